package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/cf7me/confirmflow/pkg/confirm"
	"github.com/cf7me/confirmflow/pkg/db"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/host"
	"github.com/cf7me/confirmflow/pkg/session"
)

const maxMultipartMemory = 8 << 20

// submitted is the outcome of one pass through the host pipeline.
type submitted struct {
	ctx      context.Context
	form     *db.Form
	result   confirm.HostResult
	redirect string
	origin   string
}

// feedbackResponse mirrors the host's asynchronous response payload.
type feedbackResponse struct {
	ContactFormID int64          `json:"contact_form_id"`
	Status        string         `json:"status"`
	Message       string         `json:"message"`
	InvalidFields []invalidField `json:"invalid_fields,omitempty"`
}

type invalidField struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// submitForm is the traditional path: every outcome ends in a redirect.
func (s *Server) submitForm(w http.ResponseWriter, r *http.Request) {
	sub, code, err := s.submit(w, r)
	if err != nil {
		http.Error(w, http.StatusText(code), code)
		return
	}
	if sub.redirect != "" {
		http.Redirect(w, r, sub.redirect, http.StatusSeeOther)
		return
	}
	http.Redirect(w, r, confirm.AddQueryArg(sub.origin, QueryStatus, sub.result.Status), http.StatusSeeOther)
}

// submitFeedback is the asynchronous path used by the client script.
func (s *Server) submitFeedback(w http.ResponseWriter, r *http.Request) {
	sub, code, err := s.submit(w, r)
	if err != nil {
		s.jsonError(w, err.Error(), code)
		return
	}

	resp := feedbackResponse{
		ContactFormID: sub.form.ID,
		Status:        sub.result.Status,
		Message:       sub.result.Message,
	}
	for field, msg := range sub.result.Invalid {
		resp.InvalidFields = append(resp.InvalidFields, invalidField{Field: field, Message: msg})
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		s.jsonError(w, "failed to encode response", http.StatusInternalServerError)
		return
	}
	payload = confirm.FilterFeedback(sub.ctx, payload, sub.result)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(payload)
}

// submit parses the request and runs it through the host under the
// visitor's session lock.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) (*submitted, int, error) {
	ctx := r.Context()
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		return nil, http.StatusNotFound, errors.New("invalid form id")
	}
	form, err := s.Forms.GetForm(ctx, id)
	if err != nil {
		slog.Error("api_form_load_failed", "form_id", id, "error", err)
		return nil, http.StatusInternalServerError, errors.New("failed to load form")
	}
	if form == nil {
		return nil, http.StatusNotFound, errors.New("form not found")
	}

	maxBody := int64(maxMultipartMemory)
	if s.Validator != nil {
		maxBody += s.Validator.MaxFileSize() * int64(countFileFields(form)+1)
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBody)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil && !errors.Is(err, http.ErrNotMultipart) {
		return nil, http.StatusBadRequest, errors.New("malformed submission")
	}
	if r.PostForm == nil {
		if err := r.ParseForm(); err != nil {
			return nil, http.StatusBadRequest, errors.New("malformed submission")
		}
	}

	origin := s.Site.SafeRedirectURL(r.PostForm.Get(host.FieldOrigin))
	pageID, _ := strconv.ParseInt(r.PostForm.Get(host.FieldContainerPost), 10, 64)
	sid := sessionID(ctx)

	ctx = confirm.WithRequestInfo(ctx, confirm.RequestInfo{SessionID: sid, PageID: pageID, PageURL: origin})
	ctx, pending := confirm.WithPendingRedirect(ctx)

	unlock := s.Locker.Lock(sid)
	defer unlock()

	files, err := s.storeUploads(ctx, form, r)
	if err != nil {
		return nil, http.StatusBadRequest, err
	}

	posted := host.ParseFields(form, r.PostForm)
	if s.Validator != nil {
		if err := s.Validator.ValidatePostedData(posted); err != nil {
			confirm.RemoveAttachments(ctx, s.Files, files)
			return nil, http.StatusRequestEntityTooLarge, errors.New("submission rejected")
		}
	}

	result, err := s.Engine.Submit(ctx, confirm.HostSubmission{
		FormID:          form.ID,
		ContainerPageID: pageID,
		PostedData:      posted,
		UploadedFiles:   files,
		OriginURL:       origin,
	})
	if err != nil {
		confirm.RemoveAttachments(ctx, s.Files, files)
		slog.Error("api_submit_failed", "form_id", form.ID, "error", err)
		return nil, http.StatusInternalServerError, errors.New("submission failed")
	}

	redirect := pending.Peek()
	if redirect == "" {
		// Nothing was staged; the uploads were only needed for this send.
		confirm.RemoveAttachments(ctx, s.Files, files)
	}

	return &submitted{ctx: ctx, form: form, result: result, redirect: redirect, origin: origin}, http.StatusOK, nil
}

func (s *Server) storeUploads(ctx context.Context, form *db.Form, r *http.Request) (map[string]session.FileRef, error) {
	if s.Files == nil || r.MultipartForm == nil {
		return nil, nil
	}

	files := make(map[string]session.FileRef)
	for _, f := range form.Fields {
		if f.Type != "file" {
			continue
		}
		headers := r.MultipartForm.File[f.Name]
		if len(headers) == 0 {
			continue
		}
		hdr := headers[0]
		if s.Validator != nil {
			if err := s.Validator.ValidateFileSize(hdr.Size); err != nil {
				confirm.RemoveAttachments(ctx, s.Files, files)
				return nil, errors.Wrap(err, "upload rejected")
			}
		}

		file, err := hdr.Open()
		if err != nil {
			confirm.RemoveAttachments(ctx, s.Files, files)
			return nil, errors.Wrap(err, "failed to read upload")
		}
		ref, err := s.Files.Upload(ctx, hdr.Filename, hdr.Header.Get("Content-Type"), file)
		file.Close()
		if err != nil {
			confirm.RemoveAttachments(ctx, s.Files, files)
			return nil, errors.Wrap(err, "failed to store upload")
		}
		files[f.Name] = ref
	}
	return files, nil
}

func countFileFields(form *db.Form) int {
	n := 0
	for _, f := range form.Fields {
		if f.Type == "file" {
			n++
		}
	}
	return n
}
