package infer

import (
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/locator"
	"github.com/ruby-fast-lsp/ruby-fast-lsp/internal/rtype"
)

// ReceiverType answers the resolver's receiver-type queries. Local
// receivers get their narrowed type at the call site; everything else is
// left untyped.
func (e *Engine) ReceiverType(uri string, recv locator.Receiver, site locator.Site) (rtype.Type, bool) {
	switch recv.Kind {
	case locator.ReceiverLocal:
		t, ok := e.NarrowedType(uri, recv.Name, site.Range.Start)
		if !ok || t.Kind == rtype.KUnknown {
			return rtype.Unknown, false
		}
		return t, true
	}
	return rtype.Unknown, false
}
