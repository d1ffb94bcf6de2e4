package protocol

import (
	"context"
	"fmt"
	"net/url"

	"github.com/firi/lspwire/lspclient"
)

// FileURI converts an absolute filesystem path to a file:// URI the way
// LSP expects it on the wire.
func FileURI(absPath string) string {
	u := url.URL{Scheme: "file", Path: absPath}
	return u.String()
}

// PathFromFileURI reverses FileURI.
func PathFromFileURI(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("protocol: parse file URI: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("protocol: not a file URI: %s", uri)
	}
	return u.Path, nil
}

// Hover calls textDocument/hover at the given position.
func Hover(ctx context.Context, c *lspclient.Client, uri string, pos Position) (Hover, error) {
	params := HoverParams{TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}}
	return lspclient.SendRequest[Hover](c, ctx, "textDocument/hover", params)
}

// Definition calls textDocument/definition at the given position.
func Definition(ctx context.Context, c *lspclient.Client, uri string, pos Position) ([]Location, error) {
	params := DefinitionParams{TextDocumentPositionParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
		Position:     pos,
	}}
	return lspclient.SendRequest[[]Location](c, ctx, "textDocument/definition", params)
}

// DidOpenTextDocument notifies the server a document is open.
func DidOpenTextDocument(c *lspclient.Client, uri, languageID, text string) error {
	return c.SendNotification("textDocument/didOpen", DidOpenTextDocumentParams{
		TextDocument: TextDocumentItem{URI: uri, LanguageID: languageID, Version: 1, Text: text},
	})
}

// DidCloseTextDocument notifies the server a document is closed.
func DidCloseTextDocument(c *lspclient.Client, uri string) error {
	return c.SendNotification("textDocument/didClose", DidCloseTextDocumentParams{
		TextDocument: TextDocumentIdentifier{URI: uri},
	})
}

// DidChangeWatchedFiles forwards a batch of filesystem change events.
func DidChangeWatchedFiles(c *lspclient.Client, changes []FileEvent) error {
	return c.SendNotification("workspace/didChangeWatchedFiles", DidChangeWatchedFilesParams{Changes: changes})
}
