package dnswalk

import "errors"

var (
	// ErrNoRoots is returned by Traverser.Run when root server discovery
	// or resolution fails for every configured root.
	ErrNoRoots = errors.New("dnswalk: no usable root servers")

	// ErrNoNSAuthorities is returned by root discovery when the root NS
	// query yields no NS records, when the chosen root has no addresses, or
	// when none of the listed root servers resolves to an address; Run
	// returns it joined with ErrNoRoots.
	ErrNoNSAuthorities = errors.New("dnswalk: no NS authority records found")

	// ErrBadQuestion is returned by validate when a response's question
	// section does not match the query that was sent.
	ErrBadQuestion = errors.New("dnswalk: response question section mismatch")

	// ErrUnknownType is a fatal configuration error for an unrecognised
	// query type string.
	ErrUnknownType = errors.New("dnswalk: unknown query type")

	// ErrContradictoryTCP is a fatal configuration error: AlwaysTCP was
	// set without AllowTCP.
	ErrContradictoryTCP = errors.New("dnswalk: always-tcp requires allow-tcp")
)

// ResolveError wraps a message-validation failure with the offending
// question so callers can log or compare it without re-parsing the message.
type ResolveError struct {
	Query Question
	Msg   string
}

func (e *ResolveError) Error() string {
	return "dnswalk: " + e.Msg + " (query: " + e.Query.Name + " " + typeString(e.Query.Type) + ")"
}

func (e *ResolveError) Unwrap() error { return ErrBadQuestion }
