package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// HTTPFileStore talks to the document storage service over its REST API.
type HTTPFileStore struct {
	BaseURL string
	Client  *http.Client
}

func NewHTTPFileStore(baseURL string, timeout time.Duration) *HTTPFileStore {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPFileStore{
		BaseURL: baseURL,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (s *HTTPFileStore) RequestUploadSlot(ctx context.Context, fileName, contentType string) (UploadSlot, error) {
	var slot UploadSlot
	payload, err := json.Marshal(map[string]string{
		"file_name":    fileName,
		"content_type": contentType,
	})
	if err != nil {
		return slot, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.BaseURL+"/v1/uploads", bytes.NewReader(payload))
	if err != nil {
		return slot, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return slot, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return slot, fmt.Errorf("request upload slot: storage returned %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(&slot); err != nil {
		return slot, fmt.Errorf("request upload slot: decode response: %w", err)
	}
	if slot.UploadURL == "" || slot.FileID == "" {
		return slot, fmt.Errorf("request upload slot: incomplete response")
	}
	return slot, nil
}

func (s *HTTPFileStore) Upload(ctx context.Context, slot UploadSlot, data []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, slot.UploadURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("upload to slot %s: storage returned %d", slot.FileID, resp.StatusCode)
	}
	return nil
}

func (s *HTTPFileStore) CreateFileVersion(ctx context.Context, documentID, fileID string) error {
	payload, err := json.Marshal(map[string]string{"file_id": fileID})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/v1/documents/%s/versions", s.BaseURL, url.PathEscape(documentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("create file version for %s: storage returned %d", documentID, resp.StatusCode)
	}
	return nil
}

// HTTPSignatureProvider downloads signed artifacts from the e-signature
// provider's API.
type HTTPSignatureProvider struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewHTTPSignatureProvider(baseURL, apiKey string, timeout time.Duration) *HTTPSignatureProvider {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSignatureProvider{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Client:  &http.Client{Timeout: timeout},
	}
}

func (p *HTTPSignatureProvider) DownloadDeliverable(ctx context.Context, envelopeID, deliverableID string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/v1/envelopes/%s/deliverables/%s",
		p.BaseURL, url.PathEscape(envelopeID), url.PathEscape(deliverableID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if p.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.APIKey)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download deliverable %s: provider returned %d", deliverableID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
