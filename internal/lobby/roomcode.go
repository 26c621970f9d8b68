package lobby

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"github.com/gamebuddies/orchestrator/internal/database"
)

const (
	codeLength  = 6
	codeCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// codePattern matches a well-formed room code as typed by a client.
var codePattern = regexp.MustCompile(`^[A-Z0-9]{6}$`)

// maxCodeAttempts bounds rejection sampling. With 36^6 codes the chance of
// exhausting this is negligible until the live-room count approaches the
// keyspace.
const maxCodeAttempts = 32

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeCharset)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to read random index: %w", err)
		}
		buf[i] = codeCharset[n.Int64()]
	}
	return string(buf), nil
}

// generateRoomCode samples codes until one is free among live rooms. Codes of
// abandoned and finished rooms are reusable.
func generateRoomCode(ctx context.Context, repo database.Repository) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		inUse, err := repo.RoomCodeInUse(ctx, code)
		if err != nil {
			return "", err
		}
		if !inUse {
			return code, nil
		}
	}
	return "", fmt.Errorf("no free room code after %d attempts", maxCodeAttempts)
}
