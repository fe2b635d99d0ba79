package vod

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/recative/polyv/upload"
)

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

// deriveUserData computes the signature triplet the platform verifies:
// sign = md5(secretkey + ptime), hash = md5(ptime + writetoken).
func (c *Client) deriveUserData(at time.Time) upload.UserData {
	ptime := at.UnixMilli()
	ts := strconv.FormatInt(ptime, 10)
	return upload.UserData{
		UserID: c.userID,
		PTime:  ptime,
		Sign:   md5Hex(c.secretKey + ts),
		Hash:   md5Hex(ts + c.writeToken),
	}
}

// Fingerprint derives the stable task id for a file under one account.
// Resubmitting the same content collides with the tracked entry instead of
// duplicating it.
func Fingerprint(userID string, file upload.FileSpec) string {
	return md5Hex(fmt.Sprintf("%s|%s|%d|%d", userID, file.Name, file.Size, file.ModTime.UnixMilli()))
}
