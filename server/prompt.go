// prompt.go - Handler fuer object_info, prompt und history
//
// Dieses Modul enthaelt:
// - ObjectInfoHandler: Schemas aller oder einer Node-Klasse
// - PromptHandler: Graph pruefen, ordnen und synchron ausfuehren
// - HistoryHandler: Gespeicherte Ergebnisse
// - summarize: JSON-taugliche Zusammenfassung von Node-Ausgaben
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"

	"github.com/ollama/fluxmod/api"
	"github.com/ollama/fluxmod/format"
	"github.com/ollama/fluxmod/host"
	"github.com/ollama/fluxmod/nodes"
)

func (s *Server) ObjectInfoHandler(c *gin.Context) {
	class := c.Param("class")
	if class == "" {
		info, err := s.registry.ObjectInfo(s.env)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
		return
	}

	d, err := s.registry.Get(class)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	info, err := d.Info(s.env)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	out := orderedmap.New[string, *nodes.Info]()
	out.Set(d.Name, info)
	c.JSON(http.StatusOK, out)
}

func (s *Server) PromptHandler(c *gin.Context) {
	var req api.PromptRequest
	dec := json.NewDecoder(c.Request.Body)
	dec.UseNumber()
	if err := dec.Decode(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(req.Prompt) == 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "prompt has no nodes"})
		return
	}

	g, err := parseGraph(s.registry, s.env, req.Prompt)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, statusError(err))
		return
	}

	order, err := g.order()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, number, err := s.run(c.Request.Context(), g, order)
	s.history.Add(entry)

	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, nodes.ErrInvalidValue) || errors.Is(err, nodes.ErrMissingInput) {
			status = http.StatusBadRequest
		}
		resp := statusError(err)
		c.AbortWithStatusJSON(status, gin.H{"error": resp.ErrorMessage, "node_id": resp.NodeID, "prompt_id": entry.PromptID})
		return
	}

	c.JSON(http.StatusOK, api.PromptResponse{PromptID: entry.PromptID, Number: number})
}

// run fuehrt die Nodes in order aus. Der erste Fehler bricht den Prompt ab.
func (s *Server) run(ctx context.Context, g *graph, order []string) (*api.HistoryEntry, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	number := s.number
	s.number++

	entry := &api.HistoryEntry{
		PromptID: uuid.NewString(),
		Status:   api.Status{StatusStr: api.StatusSuccess, Completed: true},
		Order:    order,
		Outputs:  make(map[string]api.NodeOutput, len(order)),
		Started:  time.Now(),
	}
	defer func() { entry.Duration = api.Duration{Duration: time.Since(entry.Started)} }()

	slog.Info("executing prompt", "prompt_id", entry.PromptID, "nodes", len(order))

	results := make(map[string]nodes.Result, len(order))
	for _, id := range order {
		n := g.nodes[id]

		inputs := maps.Clone(n.widgets)
		for name, l := range n.links {
			inputs[name] = results[l.node].Values[l.index]
		}

		res, err := s.registry.Execute(ctx, s.env, n.class, inputs)
		if err != nil {
			slog.Error("node failed", "prompt_id", entry.PromptID, "node", id, "class", n.class, "error", err)
			entry.Status = api.Status{StatusStr: api.StatusFailed, Completed: false}
			entry.Error = &api.NodeError{NodeID: id, ClassType: n.class, Message: err.Error()}
			return entry, number, &graphError{id, err}
		}
		results[id] = res

		out := api.NodeOutput{ClassType: n.class, Values: make([]any, len(res.Values)), UI: res.UI}
		for i, v := range res.Values {
			out.Values[i] = summarize(v)
		}
		entry.Outputs[id] = out
	}

	return entry, number, nil
}

func (s *Server) HistoryHandler(c *gin.Context) {
	if id := c.Param("id"); id != "" {
		e, ok := s.history.Get(id)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("prompt %s not found", id)})
			return
		}
		c.JSON(http.StatusOK, map[string]*api.HistoryEntry{id: e})
		return
	}

	n := 0
	if q := c.Query("max_items"); q != "" {
		v, err := strconv.Atoi(q)
		if err != nil || v < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "max_items must be a non-negative integer"})
			return
		}
		n = v
	}
	c.JSON(http.StatusOK, s.history.Last(n))
}

func statusError(err error) api.StatusError {
	var ge *graphError
	if errors.As(err, &ge) {
		return api.StatusError{ErrorMessage: ge.err.Error(), NodeID: ge.node}
	}
	return api.StatusError{ErrorMessage: err.Error()}
}

// summarize ersetzt Host-Objekte durch ihre JSON-Beschreibung
func summarize(v any) any {
	switch v := v.(type) {
	case *host.ModelPatcher:
		return map[string]any{
			"type":        nodes.TypeModel,
			"model_type":  v.Model.Type.String(),
			"dtype":       v.Model.DType.String(),
			"load_device": v.LoadDevice.String(),
			"size":        format.HumanBytes(v.Size()),
		}
	case host.Latent:
		out := map[string]any{"type": nodes.TypeLatent}
		if v.Samples != nil {
			out["shape"] = v.Samples.Shape
			out["dtype"] = v.Samples.DType.String()
		}
		if v.NoiseMask != nil {
			out["noise_mask"] = v.NoiseMask.Shape
		}
		return out
	case host.Conditioning:
		return map[string]any{"type": nodes.TypeConditioning, "entries": len(v)}
	case *host.Sampler:
		return map[string]any{"type": nodes.TypeSampler, "name": v.Name}
	case []float64:
		return map[string]any{"type": nodes.TypeSigmas, "sigmas": v}
	case string, bool, int, int64, float64:
		return v
	default:
		return fmt.Sprintf("%T", v)
	}
}
