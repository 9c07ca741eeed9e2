package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"teamsbridge/internal/adapters/graph"
	"teamsbridge/internal/models"
	"teamsbridge/internal/repository"
)

// DirectoryMissTTL is how long an email the directory does not know is remembered.
const DirectoryMissTTL = 5 * time.Minute

// IdentityResolver maps local emails to directory object ids, caching them on the user row.
// Emails with no directory user are kept in an in-memory miss cache.
type IdentityResolver struct {
	store  *repository.Store
	graph  *graph.Client
	events Publisher
	misses *cache.Cache
}

// NewIdentityResolver creates a resolver.
func NewIdentityResolver(store *repository.Store, gc *graph.Client, events Publisher) (*IdentityResolver, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if gc == nil {
		return nil, fmt.Errorf("graph client cannot be nil")
	}
	return &IdentityResolver{
		store:  store,
		graph:  gc,
		events: publisherOrNop(events),
		misses: cache.New(DirectoryMissTTL, 2*DirectoryMissTTL),
	}, nil
}

// Resolve returns the directory id for email. An empty id with a nil error means the
// directory has no such user. A cached id is returned without any API call.
func (r *IdentityResolver) Resolve(ctx context.Context, email string) (string, error) {
	email = repository.NormalizeEmail(email)
	if email == "" {
		return "", nil
	}

	u, err := r.store.UserByEmail(ctx, email)
	switch {
	case err == nil && u.ExternalID != "":
		log.Debug().Str("email", email).Str("externalID", u.ExternalID).Msg("External id found in DB cache")
		return u.ExternalID, nil
	case err != nil && !errors.Is(err, repository.ErrNotFound):
		return "", fmt.Errorf("error looking up user %s: %w", email, err)
	}

	if _, missed := r.misses.Get(email); missed {
		log.Debug().Str("email", email).Msg("Directory miss cached, skipping lookup")
		return "", nil
	}

	gu, err := r.graph.GetUser(ctx, email)
	if err != nil {
		log.Warn().Err(err).Str("email", email).Msg("Failed to resolve user in directory")
		return "", err
	}
	if gu == nil || gu.ID == "" {
		log.Info().Str("email", email).Msg("No directory user for email")
		r.misses.SetDefault(email, struct{}{})
		return "", nil
	}

	if err := r.store.SetExternalID(ctx, email, gu.ID); err != nil {
		return "", err
	}
	log.Info().Str("email", email).Str("externalID", gu.ID).Msg("Resolved and cached external id")
	return gu.ID, nil
}

// ResolveParticipant prefers the linked local user's cached id, then falls back to email lookup.
func (r *IdentityResolver) ResolveParticipant(ctx context.Context, p models.DocumentParticipant) (string, error) {
	if p.UserEmail != "" {
		u, err := r.store.UserByEmail(ctx, p.UserEmail)
		if err == nil && u.ExternalID != "" {
			return u.ExternalID, nil
		}
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return "", err
		}
	}
	email := p.Email
	if email == "" {
		email = p.UserEmail
	}
	return r.Resolve(ctx, email)
}

// BulkSyncResult summarises a directory sync.
type BulkSyncResult struct {
	DirectoryUsers int  `json:"directory_users"`
	Updated        int  `json:"updated"`
	OwnerLinked    bool `json:"owner_linked"`
}

// BulkSync pages through the directory and stores the id of every existing local user
// whose email matches the directory mail or user principal name. Users are never created here.
// The owner is then recorded from the signed-in account if it is not known yet.
func (r *IdentityResolver) BulkSync(ctx context.Context) (*BulkSyncResult, error) {
	dir, err := r.graph.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	r.misses.Flush()
	res := &BulkSyncResult{DirectoryUsers: len(dir)}
	for _, du := range dir {
		if du.ID == "" {
			continue
		}
		for _, email := range uniqueEmails(du.Mail, du.UserPrincipalName) {
			ok, err := r.store.UpdateExternalIDIfExists(ctx, email, du.ID)
			if err != nil {
				return nil, err
			}
			if ok {
				res.Updated++
			}
		}
	}

	cred, err := r.store.Credential(ctx)
	if err != nil {
		return nil, err
	}
	if cred.OwnerExternalID == "" {
		me, err := r.graph.Me(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Could not load signed-in account during user sync")
		} else {
			email := accountEmail(me)
			if err := r.store.SetOwner(ctx, email, me.ID); err != nil {
				return nil, err
			}
			if email != "" {
				if _, err := r.store.UpdateExternalIDIfExists(ctx, email, me.ID); err != nil {
					return nil, err
				}
			}
			res.OwnerLinked = true
		}
	}

	log.Info().Int("directoryUsers", res.DirectoryUsers).Int("updated", res.Updated).Bool("ownerLinked", res.OwnerLinked).Msg("Directory user sync finished")
	r.events.Publish(EventUsersSynced, map[string]interface{}{"directory_users": res.DirectoryUsers, "updated": res.Updated})
	return res, nil
}

func uniqueEmails(values ...string) []string {
	seen := map[string]bool{}
	var out []string
	for _, v := range values {
		v = repository.NormalizeEmail(v)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	return out
}

// UpsertUser creates or renames a local user. The cached external id is kept.
func (r *IdentityResolver) UpsertUser(ctx context.Context, email, fullName string) (*models.User, error) {
	if repository.NormalizeEmail(email) == "" {
		return nil, validationf("email is required")
	}
	return r.store.UpsertUser(ctx, email, fullName)
}
