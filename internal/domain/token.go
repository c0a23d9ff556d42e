package domain

// Token is a token endpoint response as stored on a consent.
type Token struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	IDToken      string `json:"id_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// AccessTokenAndPermissions pairs a consent token with its granted permissions.
type AccessTokenAndPermissions struct {
	AccessToken string
	Permissions []string
}
