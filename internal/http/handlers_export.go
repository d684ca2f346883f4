package http

import (
	"bytes"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"

	"cofre/internal/export"
	"cofre/internal/services"
)

// CSVs are rendered into memory first so that a failure still maps to a JSON error.

func (s *Server) handleExportVaults(w http.ResponseWriter, r *http.Request) {
	if s.exports == nil {
		FromError(services.ErrExportStorageDisabled).Write(w)
		return
	}
	var buf bytes.Buffer
	if err := s.exports.WriteVaultsCSV(r.Context(), &buf, ownerOf(r)); err != nil {
		s.fail(w, r, "export_vaults", err)
		return
	}
	s.attachment(w, export.FileName("vaults", s.now()), buf.Bytes())
}

func (s *Server) handleExportMovements(w http.ResponseWriter, r *http.Request) {
	if s.exports == nil {
		FromError(services.ErrExportStorageDisabled).Write(w)
		return
	}
	owner := ownerOf(r)
	v, err := s.vaults.GetVault(r.Context(), owner, chi.URLParam(r, "vaultID"))
	if err != nil {
		s.fail(w, r, "export_movements", err)
		return
	}
	var buf bytes.Buffer
	if err := s.exports.WriteMovementsCSV(r.Context(), &buf, owner, v.ID); err != nil {
		s.fail(w, r, "export_movements", err)
		return
	}
	s.attachment(w, export.FileName("movements-"+v.Name, s.now()), buf.Bytes())
}

func (s *Server) attachment(w http.ResponseWriter, filename string, body []byte) {
	NewResponse().
		Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": filename})).
		Body(export.ContentType, body).
		Write(w)
}
