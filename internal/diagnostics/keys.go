package diagnostics

// Well-known bus keys the self-test endpoints write diagnostic snapshots to, for the setup verifier to read back
// independently of the HTTP response.
const (
	KeyRemoteHeader = "notify_push_test_remote_header"
	KeyRemoteAddr   = "notify_push_test_remote_addr"
	KeyVersion      = "notify_push_test_version"
)
