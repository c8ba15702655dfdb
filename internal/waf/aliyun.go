package waf

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"regexp"
)

// Aliyun's firewall answers a blocked request with HTTP 405 and an
// obfuscated script that derives the acw_sc__v2 cookie from an arg1
// parameter: the 40 hex characters are reordered through a fixed
// position table, then XORed byte-wise against a static mask.

const (
	aliyunVendor     = "aliyun"
	aliyunCookieName = "acw_sc__v2"
	aliyunHexMask    = "3000176000856006061501533003690027800375"
)

var (
	aliyunArg  = regexp.MustCompile(`arg1='([0-9A-Fa-f]{40})'`)
	aliyunMask = mustDecodeHex(aliyunHexMask)

	// aliyunPositions[i] is the 1-based source index of output
	// character i, lifted from the challenge script's unsbox table.
	aliyunPositions = [40]int{
		15, 35, 29, 24, 33, 16, 1, 38, 10, 9,
		19, 31, 40, 27, 22, 23, 25, 13, 6, 11,
		39, 18, 20, 8, 14, 21, 32, 26, 2, 30,
		7, 4, 17, 5, 3, 28, 34, 37, 12, 36,
	}
)

// AliyunSolver solves the acw_sc__v2 challenge.
type AliyunSolver struct{}

// NewAliyunSolver creates the Aliyun challenge solver.
func NewAliyunSolver() *AliyunSolver {
	return &AliyunSolver{}
}

// Name returns the vendor identifier.
func (s *AliyunSolver) Name() string {
	return aliyunVendor
}

// Match recognizes the 405 challenge page carrying an arg1 parameter.
func (s *AliyunSolver) Match(status int, _ http.Header, body []byte) bool {
	return status == http.StatusMethodNotAllowed && aliyunArg.Match(body)
}

// Solve extracts arg1 from the challenge body and computes the cookie.
func (s *AliyunSolver) Solve(body []byte) (*http.Cookie, error) {
	m := aliyunArg.FindSubmatch(body)
	if m == nil {
		return nil, errors.New("challenge body carries no arg1 parameter")
	}
	value, err := aliyunToken(string(m[1]))
	if err != nil {
		return nil, err
	}
	return &http.Cookie{Name: aliyunCookieName, Value: value, Path: "/"}, nil
}

// aliyunToken reorders arg1 through the position table and XORs the
// result against the vendor mask.
func aliyunToken(arg string) (string, error) {
	if len(arg) != len(aliyunPositions) {
		return "", fmt.Errorf("challenge parameter must be %d characters, got %d", len(aliyunPositions), len(arg))
	}
	shuffled := make([]byte, len(aliyunPositions))
	for i, pos := range aliyunPositions {
		shuffled[i] = arg[pos-1]
	}
	raw, err := hex.DecodeString(string(shuffled))
	if err != nil {
		return "", fmt.Errorf("invalid challenge parameter: %w", err)
	}
	token := make([]byte, len(raw))
	for i := range raw {
		token[i] = raw[i] ^ aliyunMask[i]
	}
	return hex.EncodeToString(token), nil
}

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}
