package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/spf13/cobra"
)

var pagesCmd = &cobra.Command{
	Use:   "pages",
	Short: "Manage site pages",
}

var pagesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all pages",
	RunE:  runPagesList,
}

var pagesSetCmd = &cobra.Command{
	Use:   "set <path> <content-file>",
	Short: "Create or replace a page from a content file",
	Args:  cobra.ExactArgs(2),
	RunE:  runPagesSet,
}

var pagesEnsureCmd = &cobra.Command{
	Use:   "ensure",
	Short: "Create or repair the confirmation page of every confirm-enabled form",
	RunE:  runPagesEnsure,
}

func init() {
	pagesSetCmd.Flags().String("title", "", "Page title (defaults to the path)")
	pagesCmd.AddCommand(pagesListCmd, pagesSetCmd, pagesEnsureCmd)
	rootCmd.AddCommand(pagesCmd)
}

func runPagesList(cmd *cobra.Command, args []string) error {
	_, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	pages, err := repo.ListPages(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(pages) == 0 {
		fmt.Println("No pages found")
		return nil
	}

	fmt.Printf("%-6s %-30s %-40s\n", "ID", "PATH", "TITLE")
	fmt.Println("------------------------------------------------------------------------------")
	for _, p := range pages {
		fmt.Printf("%-6d %-30s %-40s\n", p.ID, p.Path, p.Title)
	}
	return nil
}

func runPagesSet(cmd *cobra.Command, args []string) error {
	content, err := os.ReadFile(args[1])
	if err != nil {
		return errors.Wrap(err, "failed to read page content")
	}
	title, _ := cmd.Flags().GetString("title")
	if title == "" {
		title = args[0]
	}

	_, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	page := &db.Page{Path: args[0], Title: title, Content: string(content)}
	if err := repo.SavePage(context.Background(), page); err != nil {
		return err
	}
	fmt.Printf("Saved page %d at /%s/\n", page.ID, page.Path)
	return nil
}

func runPagesEnsure(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	_, repo, err := openRepository()
	if err != nil {
		return err
	}
	defer repo.Close()

	forms, err := repo.ListForms(ctx)
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	for _, f := range forms {
		if !f.ConfirmEnabled || f.Slug == "" {
			continue
		}
		page, err := repo.EnsureConfirmPage(ctx, f.Slug)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("form %d", f.ID))
		}
		fmt.Printf("Form %d: /%s/\n", f.ID, page.Path)
	}
	return nil
}
