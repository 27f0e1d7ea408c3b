package security

import "golang.org/x/crypto/bcrypt"

// bcryptCost defines the bcrypt work factor for admin passwords.
const bcryptCost = 12

// codeCost is a lighter work factor for short-lived verification codes.
const codeCost = bcrypt.DefaultCost

// HashPassword hashes a plaintext password using bcrypt.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckPassword compares a bcrypt hash with a plaintext password.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// HashCode hashes a one-time verification code before storage.
func HashCode(code string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(code), codeCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// CheckCode compares a stored code hash with a submitted code.
func CheckCode(hash, code string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
