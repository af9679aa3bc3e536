package domain

// ClaimSet is the normalized view of an ID or access token's claims
type ClaimSet struct {
	Subject                     string   `json:"sub"`
	IdentityProvider            string   `json:"idp,omitempty"`
	IdentityProviderAccessToken string   `json:"idp_access_token,omitempty"`
	GivenName                   string   `json:"given_name,omitempty"`
	FamilyName                  string   `json:"family_name,omitempty"`
	Name                        string   `json:"name,omitempty"`
	Emails                      []string `json:"emails"`

	Issuer    string `json:"iss,omitempty"`
	Policy    string `json:"tfp,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
}

// PrimaryEmail returns the first email claim, or "" when there is none
func (c *ClaimSet) PrimaryEmail() string {
	if c == nil || len(c.Emails) == 0 {
		return ""
	}
	return c.Emails[0]
}

// DirectoryProfile is a user record returned by the directory lookup
type DirectoryProfile struct {
	ODataContext      string   `json:"@odata.context,omitempty"`
	ID                string   `json:"id"`
	DisplayName       string   `json:"displayName"`
	GivenName         string   `json:"givenName"`
	Surname           string   `json:"surname"`
	Mail              *string  `json:"mail"`
	UserPrincipalName string   `json:"userPrincipalName,omitempty"`
	JobTitle          *string  `json:"jobTitle,omitempty"`
	MobilePhone       *string  `json:"mobilePhone,omitempty"`
	OfficeLocation    *string  `json:"officeLocation,omitempty"`
	PreferredLanguage *string  `json:"preferredLanguage,omitempty"`
	BusinessPhones    []string `json:"businessPhones,omitempty"`
}

// UserInfo is the reconciled, displayable user
type UserInfo struct {
	ID                          string `json:"id"`
	IdentityProvider            string `json:"idp,omitempty"`
	IdentityProviderAccessToken string `json:"idp_access_token,omitempty"`
	GivenName                   string `json:"givenName"`
	Surname                     string `json:"surname"`
	DisplayName                 string `json:"displayName"`
	Mail                        string `json:"mail,omitempty"`
}

// Reconcile merges claims and a directory profile. Names and id come from the
// directory; email prefers the token's claims because the directory record
// can lag behind a social provider's email.
func Reconcile(claims *ClaimSet, profile *DirectoryProfile) *UserInfo {
	if profile == nil {
		return UserInfoFromClaims(claims)
	}
	info := &UserInfo{
		ID:          profile.ID,
		GivenName:   profile.GivenName,
		Surname:     profile.Surname,
		DisplayName: profile.DisplayName,
	}
	if claims != nil {
		info.IdentityProvider = claims.IdentityProvider
		info.IdentityProviderAccessToken = claims.IdentityProviderAccessToken
	}
	if email := claims.PrimaryEmail(); email != "" {
		info.Mail = email
	} else if profile.Mail != nil {
		info.Mail = *profile.Mail
	}
	return info
}

// UserInfoFromClaims is the best available projection when the directory
// profile could not be fetched.
func UserInfoFromClaims(claims *ClaimSet) *UserInfo {
	if claims == nil {
		return nil
	}
	return &UserInfo{
		ID:                          claims.Subject,
		IdentityProvider:            claims.IdentityProvider,
		IdentityProviderAccessToken: claims.IdentityProviderAccessToken,
		GivenName:                   claims.GivenName,
		Surname:                     claims.FamilyName,
		DisplayName:                 claims.Name,
		Mail:                        claims.PrimaryEmail(),
	}
}
