package admin

import (
	"crypto/ed25519"
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"

	"github.com/ssd-technologies/nocturne-dist/internal/errs"
)

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.Status()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"dht": map[string]any{
			"nodeId": st.NodeID,
			"addr":   st.DHTAddr,
		},
		"network": map[string]any{
			"blobServerAddr": st.BlobServerAddr,
		},
		"blobStore": map[string]any{
			"blobs": st.BlobCount,
			"size":  st.BlobStoreSize,
			"max":   st.BlobStoreMax,
		},
		"subscriptions": st.SubscriptionCnt,
	})
}

// handleGenerateKey handles POST /api/keys.
func (s *Server) handleGenerateKey(w http.ResponseWriter, r *http.Request) {
	pub, priv, err := s.eng.GenerateKey()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"publicKey": hex.EncodeToString(pub),
		"secretKey": hex.EncodeToString(priv),
	})
}

// handleIngest handles POST /api/ingest. Body: {"filePath": "..."}.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		FilePath string `json:"filePath"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.FilePath == "" {
		writeError(w, errs.New(errs.KindIO, "admin: filePath is required"))
		return
	}

	fileEntry, blobCount, err := s.eng.Ingest(req.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"batchId":   uuid.NewString(),
		"fileEntry": fileEntryToDTO(fileEntry),
		"blobCount": blobCount,
	})
}

// handlePublish handles POST /api/publish.
// Body: {"manifest": manifestDTO, "privateKey": "hex"}.
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Manifest   manifestDTO `json:"manifest"`
		PrivateKey string      `json:"privateKey"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	privBytes, err := hex.DecodeString(req.PrivateKey)
	if err != nil || len(privBytes) != ed25519.PrivateKeySize {
		writeError(w, errs.New(errs.KindBadKey, "admin: invalid privateKey"))
		return
	}

	m, err := dtoToManifest(req.Manifest)
	if err != nil {
		writeError(w, err)
		return
	}

	seq, err := s.eng.Publish(ed25519.PrivateKey(privBytes), m)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":        "published",
		"sequence":      seq,
		"correlationId": uuid.NewString(),
	})
}

// handleSubscribe handles POST /api/subscribe.
// Body: {"publicKey": "hex", "label": "optional"}.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PublicKey string `json:"publicKey"`
		Label     string `json:"label"`
	}
	if err := readJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.PublicKey == "" {
		writeError(w, errs.New(errs.KindBadKey, "admin: publicKey is required"))
		return
	}
	label := req.Label
	if label == "" {
		label = req.PublicKey
	}

	if err := s.eng.Subscribe(label, req.PublicKey); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleUnsubscribe handles DELETE /api/subscribe/{pub}.
func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	pubHex := r.PathValue("pub")
	if pubHex == "" {
		writeError(w, errs.New(errs.KindBadKey, "admin: publicKey is required"))
		return
	}
	if err := s.eng.Unsubscribe(pubHex); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleSubscriptions handles GET /api/subscriptions.
func (s *Server) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs := s.eng.Subscriptions()
	result := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		status := "pending"
		if !sub.LastUpdated.IsZero() {
			status = "active"
		}
		result = append(result, map[string]any{
			"publicKey":    hex.EncodeToString(sub.Pub),
			"lastSequence": sub.LastSequence,
			"status":       status,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

// handleBlobs handles GET /api/blobs.
func (s *Server) handleBlobs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.eng.BlobList()
	if err != nil {
		writeError(w, err)
		return
	}
	result := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		result = append(result, map[string]any{
			"blobId":  e.ID.String(),
			"size":    e.Size,
			"addedAt": e.AddedAt,
		})
	}
	writeJSON(w, http.StatusOK, result)
}
