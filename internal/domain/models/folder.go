package models

import (
	"time"
)

// Folder is a node in the folder tree. ParentID forms a tree, not a general
// graph: the ancestor chain must terminate at nil within the existing set.
type Folder struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	ParentID  *string    `json:"parentId"` // nil = root level
	Color     *string    `json:"color,omitempty"`
	Icon      *string    `json:"icon,omitempty"`
	SortOrder int        `json:"sortOrder"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"` // server-side tombstone
}

// Clone returns a deep copy so callers cannot mutate store-owned state.
func (f *Folder) Clone() *Folder {
	c := *f
	if f.ParentID != nil {
		v := *f.ParentID
		c.ParentID = &v
	}
	if f.Color != nil {
		v := *f.Color
		c.Color = &v
	}
	if f.Icon != nil {
		v := *f.Icon
		c.Icon = &v
	}
	if f.DeletedAt != nil {
		v := *f.DeletedAt
		c.DeletedAt = &v
	}
	return &c
}

// UpsertFolderRequest is the PUT /folders/:id payload. Folders use
// last-write-wins, so there is no version field.
type UpsertFolderRequest struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	ParentID  *string `json:"parentId,omitempty"`
	Color     *string `json:"color,omitempty"`
	Icon      *string `json:"icon,omitempty"`
	SortOrder int     `json:"sortOrder,omitempty"`
}
