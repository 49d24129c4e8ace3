package dispatch

import (
	"context"

	"github.com/fcoury/oxidedb/internal/bsonkit"
	"github.com/fcoury/oxidedb/internal/oxerr"
)

// registerAuthHandlers wires the authentication-handshake commands' dispatch
// routing only. The SCRAM exchange itself is an explicit non-goal — both
// handlers fail with a "mechanism not supported" error rather than
// negotiating credentials, so a driver configured for no-auth deployments
// never calls them, and one that does gets a clear, typed refusal instead
// of a silent opcode drop.
func registerAuthHandlers(h map[string]Handler) {
	h["saslStart"] = handleSaslUnsupported
	h["saslContinue"] = handleSaslUnsupported
}

func handleSaslUnsupported(ctx context.Context, d *Dispatcher, conn *ConnState, cmd *bsonkit.Document) (*bsonkit.Document, error) {
	return nil, oxerr.New(oxerr.KindAuthNotSupported, "authentication mechanism not supported")
}
