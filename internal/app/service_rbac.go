package app

import (
	"context"
	"net/http"

	"catalog/api/internal/catalog"
	"catalog/api/internal/rbac"
	"catalog/api/internal/store"
)

func requireAdmin(sess Session) error {
	if sess.Role != rbac.RoleAdmin {
		return ErrForbidden
	}
	return nil
}

// Access is the permission verdict for one document and the rules behind it.
type Access struct {
	DocumentID      string    `json:"documentId"`
	Role            rbac.Role `json:"role"`
	CanViewCategory bool      `json:"canViewCategory"`
	CanView         bool      `json:"canView"`
	CanDownload     bool      `json:"canDownload"`
	ViewRule        string    `json:"viewRule"`
	DownloadRule    string    `json:"downloadRule"`
}

// DocumentAccess evaluates the caller's role against the indexed document.
// Admins may ask on behalf of another role.
func (s *Service) DocumentAccess(sess Session, id string, asRole rbac.Role) (Access, error) {
	role := sess.Role
	if asRole != "" {
		if err := requireAdmin(sess); err != nil {
			return Access{}, err
		}
		role = rbac.Normalize(string(asRole))
	}

	snap := s.shared.Index().Snapshot()
	doc, ok := snap.Document(id)
	if !ok {
		return Access{}, store.ErrNotFound
	}

	view := catalog.ExplainView(role, doc, snap)
	download := catalog.ExplainDownload(role, doc, snap)
	canViewCategory := false
	if category, ok := snap.CategoryByKey(doc.CategoryKey); ok {
		canViewCategory = catalog.CanViewCategory(role, category)
	}
	return Access{
		DocumentID:      doc.ID,
		Role:            role,
		CanViewCategory: canViewCategory,
		CanView:         view.Allowed,
		CanDownload:     download.Allowed,
		ViewRule:        view.Rule,
		DownloadRule:    download.Rule,
	}, nil
}

// SetUserRole assigns a role through the role source. Views of that user are
// reconciled when the change comes back through Watch.
func (s *Service) SetUserRole(ctx context.Context, sess Session, userID string, role rbac.Role) error {
	if err := requireAdmin(sess); err != nil {
		return err
	}
	if s.roles == nil {
		return domainError(http.StatusNotImplemented, "ROLES_UNAVAILABLE", "No role source is configured", nil)
	}
	return s.roles.SetRole(ctx, userID, role)
}
