package cli

import (
	"github.com/recative/polyv"
	"github.com/recative/polyv/upload"
	"github.com/recative/polyv/vod"
)

// buildClient assembles the SDK client from the loaded config.
func buildClient() (*polyv.Client, error) {
	var accept func(upload.FileSpec) bool
	if len(cfg.AcceptedExtensions) > 0 {
		accept = vod.AcceptExtensions(cfg.AcceptedExtensions)
	}
	return polyv.New(polyv.Options{
		UserID:     cfg.UserID,
		SecretKey:  cfg.SecretKey,
		WriteToken: cfg.WriteToken,
		Limit:      cfg.Limit,
		Accept:     accept,
		BaseURL:    cfg.BaseURL,
	})
}
