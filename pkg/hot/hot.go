// Package hot carries hot update notifications from the bundler to the
// runtimes connected to the dev server.
package hot

import (
	"encoding/json"

	"github.com/google/uuid"
)

// ModuleUpdate is the replacement factory of one module. Requests and Imports
// are the same tables the chunk files carry for the module.
type ModuleUpdate struct {
	ID       string                 `json:"id"`
	Identity string                 `json:"identity"`
	Code     string                 `json:"code"`
	Map      json.RawMessage        `json:"map,omitempty"`
	Requests map[string]interface{} `json:"requests"`
	Imports  map[string][2]string   `json:"imports"`
}

// Notification is one update pushed to the runtime. FullReload tells the
// runtime to reload instead of swapping factories. Manifest holds the files
// of the async chunk groups of the new build.
type Notification struct {
	ID         string              `json:"notificationId"`
	Hash       string              `json:"hash"`
	Modules    []ModuleUpdate      `json:"modules"`
	Removed    []string            `json:"removed,omitempty"`
	Manifest   map[string][]string `json:"manifest,omitempty"`
	FullReload bool                `json:"fullReload,omitempty"`
	Reason     string              `json:"reason,omitempty"`
}

// NewNotification returns an empty notification with a fresh ID.
func NewNotification(hash string) *Notification {
	return &Notification{ID: uuid.New().String(), Hash: hash}
}

// Reload returns a notification asking the runtime for a full reload.
func Reload(hash, reason string) *Notification {
	n := NewNotification(hash)
	n.FullReload = true
	n.Reason = reason
	return n
}

// Empty reports whether applying n would do nothing.
func (n *Notification) Empty() bool {
	return !n.FullReload && len(n.Modules) == 0 && len(n.Removed) == 0
}
