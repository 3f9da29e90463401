package handler

import (
	"net/http"

	"github.com/BZM2000/ai-toolkit/internal/api/response"
	"github.com/BZM2000/ai-toolkit/internal/engine"
)

type moduleDescriptor struct {
	Key       string `json:"key"`
	Label     string `json:"label"`
	UnitLabel string `json:"unit_label"`
}

// NewModulesHandler returns the handler for GET /api/v1/modules: the
// descriptors of every registered tool module, sorted by key.
func NewModulesHandler(registry *engine.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		all := registry.All()
		descriptors := make([]moduleDescriptor, 0, len(all))
		for _, m := range all {
			descriptors = append(descriptors, moduleDescriptor{
				Key:       m.Key,
				Label:     m.Label,
				UnitLabel: m.UnitLabel,
			})
		}
		response.JSON(w, descriptors)
	}
}
