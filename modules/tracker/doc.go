// Package tracker keeps a short-lived snapshot of every incoming message and
// reports unread messages that are later deleted or meaningfully edited.
//
// Reports go to a configured chat, saved messages by default. Deleted media
// is re-uploaded from the cached bytes; edits are rendered as a unified diff
// of the old and new text.
package tracker
