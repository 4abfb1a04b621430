package signing

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"
)

// Method is the only signature method the venue accepts for this client.
const Method = "HmacSHA256"

const echostrAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Sign produces the `sign` value for a private request: parameters sorted
// alphabetically and joined as k=v pairs, MD5-hashed to uppercase hex, then
// HMAC-SHA256 with the secret key, lowercase hex. Any existing `sign` entry
// is excluded.
func Sign(params map[string]string, secret string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "sign" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	ordered := strings.Join(pairs, "&")

	sum := md5.Sum([]byte(ordered))
	md5Hex := strings.ToUpper(hex.EncodeToString(sum[:]))

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(md5Hex))
	return hex.EncodeToString(mac.Sum(nil))
}

// Stamp returns the millisecond timestamp the venue expects on signed
// requests.
func Stamp() int64 {
	return time.Now().UnixMilli()
}

// RandomEchostr returns a random alphanumeric string for the echostr
// parameter. The venue requires a length between 30 and 40 characters.
func RandomEchostr(length int) (string, error) {
	if length < 30 || length > 40 {
		return "", fmt.Errorf("echostr length must be 30-40, got %d", length)
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(echostrAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("generate echostr: %w", err)
		}
		out[i] = echostrAlphabet[n.Int64()]
	}
	return string(out), nil
}
