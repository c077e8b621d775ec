package model

// StudentTokenRequest asks the development server for a student token.
type StudentTokenRequest struct {
	StudentID int    `json:"student_id" binding:"required,gt=0"`
	Password  string `json:"password" binding:"max=72"`
}

// StudentTokenResponse carries an issued token.
type StudentTokenResponse struct {
	Token     string    `json:"token"`
	StudentID int       `json:"student_id"`
	ExpiresAt Timestamp `json:"expires_at"`
}
