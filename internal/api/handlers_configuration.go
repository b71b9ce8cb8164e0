// handlers_configuration.go - Saved configuration handlers
package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/docpipe/backend/internal/models"
)

// ConfigurationHandlerImpl implements the ConfigurationHandler interface
type ConfigurationHandlerImpl struct {
	configs ConfigurationService
}

// NewConfigurationHandler creates a new configuration handler
func NewConfigurationHandler(svc ConfigurationService) ConfigurationHandler {
	return &ConfigurationHandlerImpl{configs: svc}
}

// HandleSaveConfiguration stores the posted parameters. The body is a flat
// parameter object with an optional "name".
func (h *ConfigurationHandlerImpl) HandleSaveConfiguration(c echo.Context) error {
	var params models.ExtractionParameters
	if err := c.Bind(&params); err != nil {
		return NewBadRequestError("invalid JSON body", err)
	}

	name, err := takeName(&params)
	if err != nil {
		return err
	}

	params.ApplyDefaults()
	if err := params.Validate(); err != nil {
		return MapError(err, "invalid configuration")
	}

	rec, err := h.configs.Save(c.Request().Context(), params, name)
	if err != nil {
		return MapError(err, "Failed to save configuration")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"success":  true,
		"configId": rec.ID,
		"config":   rec,
	})
}

// HandleListConfigurations returns saved configurations, newest first
func (h *ConfigurationHandlerImpl) HandleListConfigurations(c echo.Context) error {
	records, err := h.configs.List(c.Request().Context())
	if err != nil {
		return MapError(err, "Failed to fetch configurations")
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"configurations": records,
	})
}

// takeName removes "name" from the passthrough keys. It is record
// metadata, not an extraction parameter.
func takeName(params *models.ExtractionParameters) (string, error) {
	raw, ok := params.Extra["name"]
	if !ok {
		return "", nil
	}
	delete(params.Extra, "name")
	if len(params.Extra) == 0 {
		params.Extra = nil
	}

	switch v := raw.(type) {
	case nil:
		return "", nil
	case string:
		return v, nil
	default:
		return "", NewValidationError("name")
	}
}
