package provider

import (
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

var specialUseRoles = map[string]model.FolderRole{
	`\all`:       model.RoleAll,
	`\archive`:   model.RoleArchive,
	`\drafts`:    model.RoleDrafts,
	`\flagged`:   model.RoleStarred,
	`\important`: model.RoleImportant,
	`\junk`:      model.RoleSpam,
	`\sent`:      model.RoleSent,
	`\trash`:     model.RoleTrash,
	`\inbox`:     model.RoleInbox,
}

var nameRoles = map[string]model.FolderRole{
	"inbox":             model.RoleInbox,
	"sent":              model.RoleSent,
	"sent items":        model.RoleSent,
	"sent messages":     model.RoleSent,
	"drafts":            model.RoleDrafts,
	"trash":             model.RoleTrash,
	"deleted items":     model.RoleTrash,
	"deleted messages":  model.RoleTrash,
	"spam":              model.RoleSpam,
	"junk":              model.RoleSpam,
	"junk e-mail":       model.RoleSpam,
	"archive":           model.RoleArchive,
	"[gmail]/all mail":  model.RoleAll,
	"[gmail]/sent mail": model.RoleSent,
	"[gmail]/starred":   model.RoleStarred,
	"[gmail]/important": model.RoleImportant,
}

// FolderRoleFor derives a canonical role from SPECIAL-USE attributes,
// falling back to well-known names.
func FolderRoleFor(name string, attrs []string) model.FolderRole {
	for _, a := range attrs {
		if role, ok := specialUseRoles[strings.ToLower(a)]; ok {
			return role
		}
	}
	return nameRoles[strings.ToLower(name)]
}

// Selectable reports whether a folder with attrs can be selected.
func Selectable(attrs []string) bool {
	for _, a := range attrs {
		switch strings.ToLower(a) {
		case `\noselect`, `\nonexistent`:
			return false
		}
	}
	return true
}

// NewFolderInfo builds a FolderInfo with role and selectability filled in.
func NewFolderInfo(name, delim string, attrs []string) model.FolderInfo {
	return model.FolderInfo{
		Name:       name,
		Delimiter:  delim,
		Attributes: attrs,
		Role:       FolderRoleFor(name, attrs),
		Selectable: Selectable(attrs),
	}
}

// PrimaryFolder picks the folder whose changes the push listener watches:
// All Mail for Gmail, otherwise the inbox.
func PrimaryFolder(kind model.ProviderKind, folders []model.Folder) (model.Folder, bool) {
	want := model.RoleInbox
	if kind == model.ProviderGmail {
		want = model.RoleAll
	}
	for _, f := range folders {
		if f.Role == want && !f.Removed {
			return f, true
		}
	}
	for _, f := range folders {
		if strings.EqualFold(f.Name, "INBOX") && !f.Removed {
			return f, true
		}
	}
	return model.Folder{}, false
}
