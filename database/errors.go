package database

import "github.com/treesync/treesync/internal/dberr"

// ErrorCode classifies every error returned by this package.
type ErrorCode = dberr.Code

const (
	// ErrInvalidArgument marks caller mistakes: bad paths, conflicting
	// query clauses, invalid priorities.
	ErrInvalidArgument = dberr.InvalidArgument
	// ErrPermissionDenied marks requests rejected by server-side rules.
	ErrPermissionDenied = dberr.PermissionDenied
	// ErrNetworkFailure marks transport-level failures: unreachable
	// host, lost connection, cancelled request.
	ErrNetworkFailure = dberr.NetworkFailure
	// ErrNotSupported marks operations the active backend cannot
	// perform, such as disconnect triggers without a live connection.
	ErrNotSupported = dberr.NotSupported
	// ErrInternal marks everything else: protocol violations,
	// unexpected server responses, encoding failures.
	ErrInternal = dberr.Internal
)

// CodeOf extracts the classification from an error returned by this
// package. Foreign errors classify as ErrInternal.
func CodeOf(err error) ErrorCode { return dberr.CodeOf(err) }

// HasCode reports whether err carries the given code.
func HasCode(err error, code ErrorCode) bool { return dberr.HasCode(err, code) }
