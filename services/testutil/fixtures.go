package testutil

import (
	"time"

	"github.com/google/uuid"

	"github.com/AfshinJalili/paycore/libs/auth"
)

const (
	RoleLedgerRead  = "ledger:read"
	RoleLedgerWrite = "ledger:write"
)

var (
	DemoMerchantID  = uuid.MustParse("00000000-0000-0000-0000-000000000101")
	OtherMerchantID = uuid.MustParse("00000000-0000-0000-0000-000000000102")
)

// GenerateJWT signs an operator token carrying roles, e.g. RoleLedgerWrite.
func GenerateJWT(subject string, roles []string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	return auth.Sign(subject, roles, secret, ttl, now)
}

func OperatorToken(secret []byte, roles ...string) string {
	token, err := GenerateJWT("operator-"+uuid.NewString(), roles, secret, time.Hour, time.Now())
	if err != nil {
		panic(err)
	}
	return token
}
