package tokenstore

// Keys for session artifacts.
const (
	KeyLineIDToken        = "line_id_token"
	KeyLineTokenTimestamp = "line_token_timestamp"
	KeyLineUserID         = "line_user_id"
	KeyLineDisplayName    = "line_display_name"
	KeyLinePictureURL     = "line_picture_url"
	KeyLineStatusMessage  = "line_status_message"

	KeySessionToken         = "session_token"
	KeySessionTokenIssuedAt = "session_token_issued_at"
	KeySessionUser          = "session_user"

	KeyAuthUser        = "auth_user"
	KeyAuthCompletedAt = "auth_completed_at"
	KeyForceReauth     = "force_reauth"

	// Owned by the LINE bridge adapter.
	KeyLineSDKToken   = "line_sdk_token"
	KeyLineOAuthState = "line_oauth_state"

	// Owned by the identity provider client.
	KeyIDPSession = "idp_session"
)

// CacheKeys are the snapshot and backend-session keys dropped on forced
// re-authentication or a corrupt snapshot.
var CacheKeys = []string{
	KeyAuthUser,
	KeyAuthCompletedAt,
	KeySessionToken,
	KeySessionTokenIssuedAt,
	KeySessionUser,
}

// SessionKeys is every key that describes the signed-in user.
var SessionKeys = []string{
	KeyLineIDToken,
	KeyLineTokenTimestamp,
	KeyLineUserID,
	KeyLineDisplayName,
	KeyLinePictureURL,
	KeyLineStatusMessage,
	KeySessionToken,
	KeySessionTokenIssuedAt,
	KeySessionUser,
	KeyAuthUser,
	KeyAuthCompletedAt,
}

// RemoveAll removes each key, returning the first error encountered.
func RemoveAll(s Store, keys ...string) error {
	var firstErr error
	for _, k := range keys {
		if err := s.Remove(k); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
