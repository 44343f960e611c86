// Package expression resolves ${path} references against an execution
// context.
//
// Paths use dotted notation (query.rows.0.id); bracket indexes such as
// rows[0] are accepted and normalized. A template that is exactly one
// reference resolves to the referenced value with its JSON type intact. Any
// other template is interpolated into a string.
package expression
