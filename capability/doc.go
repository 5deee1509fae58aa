// Package capability implements deny-by-default permissions for components.
//
// A component declares capabilities in its manifest. Each capability names a
// domain, a list of resource patterns and the operations allowed on them:
//
//	filesystem  absolute paths, "/" segments        /app/data/*, /var/log/**
//	network     host:port, "*" within host labels   *.example.com:443
//	storage     ":" segmented namespaces            billing:invoices:*
//	custom      ":" segmented resources             component:inventory
//
// Every check names the Scope it is made in. The Checker indexes literal
// patterns in hash sets keyed by scope and permission and scans only the glob
// patterns of that key, so a grant never matches outside its own domain and
// the common case is a map lookup. Every decision is handed to an
// audit.Emitter without blocking.
//
// Host functions never take a component id argument. The calling component
// travels in the context:
//
//	ctx = capability.WithComponent(ctx, "billing")
//	if err := capability.Require(ctx, capability.FilesystemScope, "/app/data/ledger.json", capability.PermRead); err != nil {
//	    return err
//	}
package capability
