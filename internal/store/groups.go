package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Execution classes for groups.
const (
	ClassContainer = "container"
	ClassHost      = "host"
)

// ErrGroupNotFound is returned when a JID has no registration.
var ErrGroupNotFound = errors.New("group not found")

// Group is a registered logical execution unit.
type Group struct {
	JID            string    `db:"jid"`
	Folder         string    `db:"folder"`
	DisplayName    string    `db:"display_name"`
	ExecutionClass string    `db:"execution_class"`
	OwnerJID       string    `db:"owner_jid"`
	RegisteredAt   time.Time `db:"registered_at"`
}

// UpsertGroup registers a group or updates its mutable fields. Groups
// are never physically deleted while messages still reference them.
func (s *Store) UpsertGroup(ctx context.Context, g *Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (jid, folder, display_name, execution_class, owner_jid)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			folder = excluded.folder,
			display_name = excluded.display_name,
			execution_class = excluded.execution_class,
			owner_jid = excluded.owner_jid
	`, g.JID, g.Folder, g.DisplayName, g.ExecutionClass, g.OwnerJID)
	if err != nil {
		return fmt.Errorf("upsert group %s: %w", g.JID, err)
	}
	return nil
}

// GetGroup returns the registration for a JID.
func (s *Store) GetGroup(ctx context.Context, jid string) (*Group, error) {
	var g Group
	err := s.db.GetContext(ctx, &g, `SELECT * FROM groups WHERE jid = ?`, jid)
	if err == sql.ErrNoRows {
		return nil, ErrGroupNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get group %s: %w", jid, err)
	}
	return &g, nil
}

// GroupsByFolder returns every registration sharing a work directory.
func (s *Store) GroupsByFolder(ctx context.Context, folder string) ([]*Group, error) {
	var groups []*Group
	err := s.db.SelectContext(ctx, &groups, `
		SELECT * FROM groups WHERE folder = ? ORDER BY registered_at
	`, folder)
	if err != nil {
		return nil, fmt.Errorf("groups by folder %s: %w", folder, err)
	}
	return groups, nil
}

// ListGroups returns all registrations.
func (s *Store) ListGroups(ctx context.Context) ([]*Group, error) {
	var groups []*Group
	if err := s.db.SelectContext(ctx, &groups, `SELECT * FROM groups ORDER BY registered_at`); err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	return groups, nil
}

// ResolveLiveJID picks the JID to address for a folder. When the
// folder has several registrations, a web-origin identity wins so
// scheduled work keeps running after a chat identity is unregistered.
func (s *Store) ResolveLiveJID(ctx context.Context, folder, preferred string) (string, error) {
	groups, err := s.GroupsByFolder(ctx, folder)
	if err != nil {
		return "", err
	}
	if len(groups) == 0 {
		return "", ErrGroupNotFound
	}
	for _, g := range groups {
		if g.JID == preferred {
			return g.JID, nil
		}
	}
	for _, g := range groups {
		if strings.HasSuffix(g.JID, "@web") {
			return g.JID, nil
		}
	}
	return groups[0].JID, nil
}
