package model

import "time"

// FolderRole is the canonical meaning of a folder, independent of its
// display name.
type FolderRole string

const (
	RoleNone      FolderRole = ""
	RoleInbox     FolderRole = "inbox"
	RoleAll       FolderRole = "all"
	RoleSent      FolderRole = "sent"
	RoleDrafts    FolderRole = "drafts"
	RoleTrash     FolderRole = "trash"
	RoleSpam      FolderRole = "spam"
	RoleArchive   FolderRole = "archive"
	RoleImportant FolderRole = "important"
	RoleStarred   FolderRole = "starred"
)

// Folder is a named container on the remote side.
type Folder struct {
	ID         string
	AccountID  string
	Name       string
	Role       FolderRole
	Attributes []string
	Removed    bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// FolderInfo is a folder as listed by the remote server.
type FolderInfo struct {
	Name       string
	Delimiter  string
	Attributes []string
	Role       FolderRole
	// Selectable is false for \Noselect and \NonExistent containers.
	Selectable bool
}

// FolderRename pairs a stored folder with its new remote name.
type FolderRename struct {
	Folder  Folder
	NewName string
}

// FolderDiff is the outcome of reconciling the remote folder list
// against the stored one.
type FolderDiff struct {
	Added   []Folder
	Removed []Folder
	Renamed []FolderRename
}

// Empty reports whether the reconciliation changed nothing.
func (d FolderDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Renamed) == 0
}
