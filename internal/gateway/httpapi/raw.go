package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/jbarasa/hesabu/internal/domain"
	"github.com/jbarasa/hesabu/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// handleUpload accepts a multipart workbook upload. It runs outside the JSON
// binding layer because the body is a file, not a document.
//
// Form fields: file (required), session_id (optional, empty = new session),
// owner (optional).
func (g *Gateway) handleUpload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, g.config.MaxUploadBytes)

		file, header, err := r.FormFile("file")
		if err != nil {
			g.writeError(w, uploadStatus(err), "invalid_request", `multipart field "file" is required`)
			return
		}
		defer file.Close()

		data, err := io.ReadAll(file)
		if err != nil {
			g.writeError(w, uploadStatus(err), "invalid_request", "reading upload: "+err.Error())
			return
		}

		res, err := g.svc.Upload(r.Context(), service.UploadInput{
			SessionID: r.FormValue("session_id"),
			Owner:     r.FormValue("owner"),
			Filename:  header.Filename,
			Data:      data,
		})
		if err != nil {
			g.writeFailure(w, err)
			return
		}
		g.writeJSON(w, http.StatusCreated, res)
	}
}

// handleDownload streams an artifact version back to the caller.
//
// Query parameters: session_id (required), version ("original" or
// "modified", default "original").
func (g *Gateway) handleDownload() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		fileID := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/download/"), "/")
		if fileID == "" || strings.ContainsRune(fileID, '/') {
			g.writeError(w, http.StatusNotFound, string(domain.CodeStorageNotFound), "unknown file")
			return
		}

		q := r.URL.Query()
		res, err := g.svc.Download(r.Context(), q.Get("session_id"), fileID, q.Get("version"))
		if err != nil {
			g.writeFailure(w, err)
			return
		}

		w.Header().Set("Content-Type", xlsxContentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", res.Filename))
		w.Header().Set("Content-Length", strconv.Itoa(len(res.Data)))
		if _, err := w.Write(res.Data); err != nil {
			g.logger.Warn("download write interrupted",
				slog.String("file_id", fileID),
				slog.String("error", err.Error()))
		}
	}
}

// uploadStatus distinguishes an oversized body from a malformed one.
func uploadStatus(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

func (g *Gateway) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		g.logger.Warn("response encoding failed", slog.String("error", err.Error()))
	}
}

func (g *Gateway) writeError(w http.ResponseWriter, status int, code, msg string) {
	g.writeJSON(w, status, ErrorBody{Code: code, Error: msg})
}

func (g *Gateway) writeFailure(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	if status >= http.StatusInternalServerError {
		g.logger.Error("request failed",
			slog.String("code", code),
			slog.String("error", err.Error()))
	}
	g.writeError(w, status, code, err.Error())
}
