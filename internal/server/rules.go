package server

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/tabletop/internal/middleware"
)

const rulesExt = ".tengo"

// RulesUploadResponse reports an uploaded rules file.
type RulesUploadResponse struct {
	File  string `json:"file"`
	Game  string `json:"game"`
	Bytes int64  `json:"bytes"`
}

// uploadRules saves a multipart "file" into the rules directory and reloads
// it. A script that fails to load is removed again.
func (s *Server) uploadRules(c echo.Context) error {
	ctx := c.Request().Context()
	logger := middleware.FromContext(ctx)

	fileHeader, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid file upload request")
	}
	// Sanitize the filename to prevent path traversal.
	name := filepath.Base(fileHeader.Filename)
	if !strings.HasSuffix(name, rulesExt) || name == rulesExt {
		return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("rules files must end in %s", rulesExt))
	}
	maxBytes := s.rules.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 1 << 20
	}
	if fileHeader.Size > maxBytes {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "rules file too large")
	}

	src, err := fileHeader.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to open uploaded file")
	}
	defer src.Close()

	storagePath := path.Join(s.rules.Dir, name)
	written, err := s.rules.Store.Save(ctx, storagePath, io.LimitReader(src, maxBytes))
	if err != nil {
		logger.Error("Failed to save rules file", "path", storagePath, "error", err)
		return err
	}

	if err := s.rules.Reloader.Reload(name); err != nil {
		logger.Warn("Uploaded rules failed to load", "file", name, "error", err)
		if delErr := s.rules.Store.Delete(ctx, storagePath); delErr != nil {
			logger.Error("Failed to remove rejected rules file", "path", storagePath, "error", delErr)
		}
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}

	logger.Info("Rules uploaded", "file", name, "bytes", written)
	return c.JSON(http.StatusCreated, RulesUploadResponse{
		File:  name,
		Game:  strings.TrimSuffix(name, rulesExt),
		Bytes: written,
	})
}
