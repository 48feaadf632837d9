package model

type User struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	AvatarURL  string `json:"avatar_url,omitempty"`
}
