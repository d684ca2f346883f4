package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"cofre/internal/core"
	"cofre/internal/export"
	"cofre/internal/objectstore"
)

const OpExport = "export"

var ErrExportStorageDisabled = errors.New("export storage not configured")

// ExportService renders vault CSV reports and uploads them to object storage.
type ExportService struct {
	vaults   *VaultService
	store    objectstore.Store
	currency string
	now      func() time.Time
}

// NewExportService builds the service. store may be nil, which disables Upload.
func NewExportService(vaults *VaultService, store objectstore.Store, currency string) *ExportService {
	if currency == "" {
		currency = core.DefaultCurrency
	}
	return &ExportService{vaults: vaults, store: store, currency: currency, now: time.Now}
}

// WriteMovementsCSV writes the history of one of the owner's vaults.
func (s *ExportService) WriteMovementsCSV(ctx context.Context, w io.Writer, ownerID, vaultID string) error {
	movements, err := s.vaults.History(ctx, ownerID, vaultID, core.AllTime)
	if err != nil {
		return err
	}
	if err := export.WriteMovements(w, movements, s.currency); err != nil {
		return fmt.Errorf("write movements csv: %w", err)
	}
	return nil
}

// WriteVaultsCSV writes the owner's vaults report; an empty owner covers all vaults.
func (s *ExportService) WriteVaultsCSV(ctx context.Context, w io.Writer, ownerID string) error {
	vaults, err := s.vaults.VaultsForExport(ctx, ownerID)
	if err != nil {
		return err
	}
	if err := export.WriteVaults(w, vaults, s.currency); err != nil {
		return fmt.Errorf("write vaults csv: %w", err)
	}
	return nil
}

// Upload stores a report under "<owner>/<file>". An empty vaultID uploads the
// vaults report, otherwise the vault's movement history.
func (s *ExportService) Upload(ctx context.Context, ownerID, vaultID string) (objectstore.Object, error) {
	if s.store == nil {
		return objectstore.Object{}, ErrExportStorageDisabled
	}

	var buf bytes.Buffer
	prefix := "vaults"
	if vaultID == "" {
		if err := s.WriteVaultsCSV(ctx, &buf, ownerID); err != nil {
			return objectstore.Object{}, err
		}
	} else {
		v, err := s.vaults.GetVault(ctx, ownerID, vaultID)
		if err != nil {
			return objectstore.Object{}, err
		}
		prefix = "movements-" + v.Name
		if err := s.WriteMovementsCSV(ctx, &buf, ownerID, vaultID); err != nil {
			return objectstore.Object{}, err
		}
	}

	owner := ownerID
	if owner == "" {
		owner = "_all"
	}
	key := path.Join(owner, export.FileName(prefix, s.now()))
	size := int64(buf.Len())
	obj, err := s.store.Put(ctx, key, &buf, size, export.ContentType)
	if err != nil {
		return objectstore.Object{}, &core.DependencyError{Op: OpExport, Err: err}
	}
	slog.InfoContext(ctx, "Export uploaded", "object_key", obj.Key, "size", obj.Size, "owner_id", ownerID)
	return obj, nil
}
