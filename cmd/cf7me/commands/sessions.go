package commands

import (
	"context"
	"fmt"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/metrics"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and maintain staged submissions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list <session-id>",
	Short: "List the staged submissions of one session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionsList,
}

var sessionsPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Remove expired staged submissions now",
	RunE:  runSessionsPurge,
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd, sessionsPurgeCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func runSessionsList(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, repo, err := openRepository()
	if err != nil {
		return err
	}
	repo.Close()

	store, err := openSessionStore(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer store.Close()

	subs, err := store.List(ctx, args[0])
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(subs) == 0 {
		fmt.Println("No staged submissions")
		return nil
	}

	fmt.Printf("%-20s %-6s %-20s %-8s %-25s\n", "SLUG", "FORM", "TOKEN", "FIELDS", "CREATED")
	fmt.Println("------------------------------------------------------------------------------------")
	for _, sub := range subs {
		fmt.Printf("%-20s %-6d %-20s %-8d %-25s\n",
			sub.FormSlug, sub.FormID, session.ShortID(sub.Token), len(sub.PostedData), sub.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func runSessionsPurge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, repo, err := openRepository()
	if err != nil {
		return err
	}
	repo.Close()

	var remover confirm.AttachmentRemover
	s3Client, err := openAttachments(ctx, cfg)
	if err != nil {
		return err
	}
	if s3Client != nil {
		remover = s3Client
	}

	store, err := openSessionStore(ctx, cfg, remover)
	if err != nil {
		return err
	}
	defer store.Close()

	reaper, ok := store.(session.Reaper)
	if !ok {
		fmt.Printf("The %s store expires entries on its own\n", cfg.SessionBackend)
		return nil
	}

	n, err := reaper.Reap(ctx)
	if err != nil {
		return errors.Wrap(err, "reap failed")
	}
	metrics.ReapedSubmissions.Add(float64(n))
	fmt.Printf("Removed %d expired staged submissions\n", n)
	return nil
}
