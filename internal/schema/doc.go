// Package schema constrains cell values with CUE.
//
// A Schema is compiled once from CUE source and shared by every cell that
// uses it. Narrowing with At gives the sub-schema for a child path, which is
// how Cell.Key keeps validation aligned with the view it returns.
package schema
