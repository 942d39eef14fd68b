package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/inimical023/RC-Zoho-API-Advanced/internal/audit"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/calls"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/owners"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/ringcentral"
	"github.com/inimical023/RC-Zoho-API-Advanced/internal/zoho"
)

// ExtensionDirectory lists extensions at the telephony provider.
type ExtensionDirectory interface {
	ListExtensions(ctx context.Context) ([]ringcentral.Extension, error)
}

// UserDirectory lists lead-eligible users at the CRM.
type UserDirectory interface {
	ListUsers(ctx context.Context) ([]zoho.User, error)
}

// ResyncResult counts the changes one resync applied.
type ResyncResult struct {
	Created  int `json:"created"`
	Updated  int `json:"updated"`
	Disabled int `json:"disabled"`
}

// Resyncer mirrors provider extensions and CRM users into local tables.
// Entries absent from the upstream listing are disabled, never deleted, so
// historical call records keep their references.
type Resyncer struct {
	store      calls.Store
	ownerStore owners.Store
	provider   ExtensionDirectory
	crm        UserDirectory
	audit      *audit.Service
	log        *slog.Logger
	clock      func() time.Time
}

func NewResyncer(store calls.Store, ownerStore owners.Store, provider ExtensionDirectory, crm UserDirectory, auditSvc *audit.Service, log *slog.Logger) *Resyncer {
	return &Resyncer{
		store:      store,
		ownerStore: ownerStore,
		provider:   provider,
		crm:        crm,
		audit:      auditSvc,
		log:        log,
		clock:      time.Now,
	}
}

// ResyncExtensions upserts the provider's enabled extensions and disables
// local ones the provider no longer lists.
func (r *Resyncer) ResyncExtensions(ctx context.Context) (ResyncResult, error) {
	exts, err := r.provider.ListExtensions(ctx)
	if err != nil {
		return ResyncResult{}, fmt.Errorf("list provider extensions: %w", err)
	}

	var res ResyncResult
	keep := make([]string, 0, len(exts))
	for _, e := range exts {
		created, err := r.store.UpsertExtension(ctx, calls.Extension{
			ExtensionID: e.ID,
			Name:        e.Name,
			Number:      e.Number,
			Type:        e.Type,
			Enabled:     true,
		})
		if err != nil {
			return res, fmt.Errorf("upsert extension %s: %w", e.ID, err)
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		keep = append(keep, e.ID)
	}

	res.Disabled, err = r.store.DisableExtensionsExcept(ctx, keep)
	if err != nil {
		return res, fmt.Errorf("disable stale extensions: %w", err)
	}
	r.record(ctx, fmt.Sprintf("extensions: %d created, %d updated, %d disabled",
		res.Created, res.Updated, res.Disabled))
	r.log.Info("extension resync",
		slog.Int("created", res.Created), slog.Int("updated", res.Updated), slog.Int("disabled", res.Disabled))
	return res, nil
}

// ResyncOwners upserts active CRM users as lead owners and deactivates local
// owners missing from the listing. Inactive upstream users are skipped, not
// upserted, so they age out through the deactivate sweep.
func (r *Resyncer) ResyncOwners(ctx context.Context) (ResyncResult, error) {
	users, err := r.crm.ListUsers(ctx)
	if err != nil {
		return ResyncResult{}, fmt.Errorf("list crm users: %w", err)
	}

	var res ResyncResult
	keep := make([]string, 0, len(users))
	for _, u := range users {
		if !u.Active {
			continue
		}
		created, err := r.ownerStore.UpsertOwner(ctx, owners.LeadOwner{
			CRMUserID: u.ID,
			Name:      u.Name,
			Email:     u.Email,
			Role:      u.Role,
			Active:    true,
		})
		if err != nil {
			return res, fmt.Errorf("upsert owner %s: %w", u.ID, err)
		}
		if created {
			res.Created++
		} else {
			res.Updated++
		}
		keep = append(keep, u.ID)
	}

	res.Disabled, err = r.ownerStore.DeactivateOwnersExcept(ctx, keep)
	if err != nil {
		return res, fmt.Errorf("deactivate stale owners: %w", err)
	}
	r.record(ctx, fmt.Sprintf("owners: %d created, %d updated, %d deactivated",
		res.Created, res.Updated, res.Disabled))
	r.log.Info("owner resync",
		slog.Int("created", res.Created), slog.Int("updated", res.Updated), slog.Int("deactivated", res.Disabled))
	return res, nil
}

// record appends a resync outcome to the audit trail. Best-effort, like the
// orchestrator's audit writes.
func (r *Resyncer) record(ctx context.Context, msg string) {
	if err := r.audit.LogResync(ctx, msg); err != nil {
		r.log.Warn("audit append failed", slog.String("error", err.Error()))
	}
}
