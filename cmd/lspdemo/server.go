package main

import (
	"io"
	"log/slog"

	"github.com/firi/lspwire/jsonrpc2"
	"github.com/firi/lspwire/protocol"
)

// runToyServer implements just enough of an LSP server — initialize,
// textDocument/hover, shutdown/exit, and a demo/slow method that never
// replies — to drive the demo without requiring a real language server
// binary on PATH.
func runToyServer(r io.Reader, w io.Writer, log *slog.Logger) {
	codec := jsonrpc2.NewCodec(r, w)
	for {
		env, err := codec.ReadMessage()
		if err != nil {
			return
		}

		switch env.Method {
		case "initialize":
			result := map[string]any{
				"capabilities": protocol.ServerCapabilities{HoverProvider: true},
			}
			resp, _ := jsonrpc2.NewResultResponse(env.ID, result)
			_ = codec.WriteMessage(resp)

		case "initialized":
			log.Debug("toy server received initialized")

		case "textDocument/hover":
			resp, _ := jsonrpc2.NewResultResponse(env.ID, protocol.Hover{
				Contents: protocol.MarkupContent{Kind: "markdown", Value: "demo hover text"},
			})
			_ = codec.WriteMessage(resp)

		case "demo/slow":
			// Intentionally never responds. The demo run does not call
			// it, and this server does not act on $/cancelRequest.

		case "shutdown":
			resp, _ := jsonrpc2.NewResultResponse(env.ID, nil)
			_ = codec.WriteMessage(resp)

		case "exit":
			return

		default:
			if len(env.ID) > 0 {
				resp := jsonrpc2.NewErrorResponse(env.ID, jsonrpc2.NewError(jsonrpc2.MethodNotFound, env.Method))
				_ = codec.WriteMessage(resp)
			}
		}
	}
}
