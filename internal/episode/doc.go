// Package episode turns raw episode records into display-ready values.
//
// FormatDuration renders a second count as HH:MM:SS. Builder combines it with a
// locale-aware DateFormatter to produce models.Episode values, rejecting records
// whose duration or publication timestamp cannot be interpreted with a
// *MalformedInputError instead of emitting placeholder output.
package episode
