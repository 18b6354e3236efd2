package domain

import "context"

// Driver is exclusive access to one messaging UI session. Every call blocks
// until the UI action finishes and acts on whatever chat currently has focus.
type Driver interface {
	// Focus brings the named chat to the foreground so later calls target it.
	Focus(ctx context.Context, recipient string) error
	// SendText types text into the focused chat's input and sends it.
	SendText(ctx context.Context, text string) error
	// AttachFile attaches the file at path to the focused chat and confirms the send.
	AttachFile(ctx context.Context, path string) error
	// AttachClipboardImage pastes the image on the system clipboard and sends it.
	AttachClipboardImage(ctx context.Context) error
}

// Prober is implemented by drivers that can check their host is usable
// before a run (application running, credentials accepted, ...).
type Prober interface {
	Probe(ctx context.Context) error
}
