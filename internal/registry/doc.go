// Package registry is the durable, encrypted store of broadcast
// recipients and the discovery cursor.
//
// On disk the subscriber set is an AES-256-GCM ciphertext of a JSON array
// of unique positive integers; the cursor is a ciphertext of a decimal
// integer string. Each blob has a sibling ".lock" file and every access
// holds the advisory lock for the full read-modify-write cycle, so
// concurrent processes are safe but strictly serialized. Writes go to a
// fresh temp file that atomically replaces the blob, with permissions
// restricted to the owning user.
//
// A recipient lives through Discovered -> Valid -> Removed. Removed is
// terminal: an identifier that sends again after removal is treated as a
// fresh discovery.
package registry
