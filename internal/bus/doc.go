// Package bus delivers pushes to per-tab relay mailboxes. Delivery never
// blocks: an unknown tab or a full mailbox is reported as ErrUnreachable.
package bus
