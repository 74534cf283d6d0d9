package midtrans

import (
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
)

// Signature computes the webhook signature for a notification:
// SHA-512 over order_id, status_code, gross_amount and the server key,
// concatenated in that order.
func Signature(serverKey, orderID, statusCode, grossAmount string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}

// VerifySignature checks a notification's signature_key in constant time.
func VerifySignature(serverKey string, s *TransactionStatus) bool {
	want := Signature(serverKey, s.OrderID, s.StatusCode, s.GrossAmount)
	return subtle.ConstantTimeCompare([]byte(want), []byte(s.SignatureKey)) == 1
}
