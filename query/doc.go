// Package query parses and evaluates the parts of a search request: the CEL
// filter, the sort specification, the field selector, the option string and
// the resume cursor. Parse errors are protocol errors from package search so
// they can be reported to clients unchanged.
package query
