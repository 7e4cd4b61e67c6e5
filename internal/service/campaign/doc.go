// Package campaign implements campaign lifecycle management.
//
// The service layer owns the status state machine, the send trigger
// (resolve audience, snapshot the recipient total, enqueue), and completion.
// It depends on the interfaces defined in this package and never on
// transport or storage details.
package campaign
