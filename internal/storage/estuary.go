package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/commons-share/commons-backend/internal/retry"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// PinInfo describes one pin held by the remote storage service.
type PinInfo struct {
	Filename  string
	CID       string
	EstuaryID int64
}

// UploadResult identifies a freshly pinned archive.
type UploadResult struct {
	CID       string
	EstuaryID int64
}

// EstuaryClient talks to the Estuary pinning API. Uploads and pin deletions
// are retried up to a caller-chosen attempt ceiling; Estuary does not
// deduplicate by content hash, so a retried upload may create a second
// remote object; callers compensate by deleting the pin when later steps
// fail.
type EstuaryClient struct {
	apiURL     string
	gatewayURL string
	apiKey     string
	httpClient *http.Client
}

// NewEstuaryClient creates a client for the given API and IPFS gateway URLs.
func NewEstuaryClient(apiURL, gatewayURL, apiKey string) *EstuaryClient {
	return &EstuaryClient{
		apiURL:     apiURL,
		gatewayURL: gatewayURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
	}
}

type pinListResponse struct {
	Results []struct {
		EstuaryID int64 `json:"estuaryId"`
		Pin       struct {
			Name string `json:"name"`
			CID  string `json:"cid"`
		} `json:"pin"`
	} `json:"results"`
}

type viewerResponse struct {
	Settings struct {
		UploadEndpoints []string `json:"uploadEndpoints"`
	} `json:"settings"`
}

type addResponse struct {
	CID       string `json:"cid"`
	EstuaryID int64  `json:"estuaryId"`
}

// ListPins returns metadata for every current pin.
func (e *EstuaryClient) ListPins(ctx context.Context) ([]PinInfo, error) {
	ctx, span := tracer.Start(ctx, "estuary.list_pins")
	defer span.End()

	var parsed pinListResponse
	if err := e.getJSON(ctx, e.apiURL+"/pinning/pins", &parsed); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list pins: %w", err)
	}

	pins := make([]PinInfo, 0, len(parsed.Results))
	for _, item := range parsed.Results {
		pins = append(pins, PinInfo{
			Filename:  item.Pin.Name,
			CID:       item.Pin.CID,
			EstuaryID: item.EstuaryID,
		})
	}
	span.SetAttributes(attribute.Int("pin_count", len(pins)))
	return pins, nil
}

// UploadArchive sends the archive at archivePath to Estuary, retrying up to
// maxAttempts times. Each attempt discovers the current shuttle endpoint
// first, as upload nodes rotate.
func (e *EstuaryClient) UploadArchive(ctx context.Context, archivePath string, maxAttempts int) (*UploadResult, error) {
	ctx, span := tracer.Start(ctx, "estuary.upload_archive",
		trace.WithAttributes(
			attribute.String("archive", filepath.Base(archivePath)),
			attribute.Int("max_attempts", maxAttempts),
		),
	)
	defer span.End()

	result := retry.Do(ctx, maxAttempts, func(ctx context.Context) (*UploadResult, error) {
		endpoint, err := e.uploadEndpoint(ctx)
		if err != nil {
			return nil, err
		}
		return e.uploadOnce(ctx, endpoint, archivePath)
	})
	if !result.Ok() {
		span.RecordError(result.Err)
		return nil, fmt.Errorf("failed to upload archive: %w", result.Err)
	}

	span.SetAttributes(
		attribute.String("cid", result.Value.CID),
		attribute.Int64("estuary_id", result.Value.EstuaryID),
		attribute.Int("attempts", result.Attempts),
	)
	return result.Value, nil
}

// DeletePin removes the pin identified by estuaryID, retrying up to
// maxAttempts times. Used both for user deletes and compensating cleanup.
func (e *EstuaryClient) DeletePin(ctx context.Context, estuaryID int64, maxAttempts int) error {
	ctx, span := tracer.Start(ctx, "estuary.delete_pin",
		trace.WithAttributes(attribute.Int64("estuary_id", estuaryID)),
	)
	defer span.End()

	result := retry.Do(ctx, maxAttempts, func(ctx context.Context) (struct{}, error) {
		url := fmt.Sprintf("%s/pinning/pins/%d", e.apiURL, estuaryID)
		req, err := http.NewRequestWithContext(ctx, http.MethodDelete, url, nil)
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Authorization", "Bearer "+e.apiKey)

		resp, err := e.httpClient.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			return struct{}{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return struct{}{}, nil
	})
	if !result.Ok() {
		span.RecordError(result.Err)
		return fmt.Errorf("failed to delete pin %d: %w", estuaryID, result.Err)
	}

	logrus.WithField("estuaryId", estuaryID).Info("deleted remote pin")
	return nil
}

// FetchArchive downloads the archive with the given cid from the IPFS
// gateway into destPath.
func (e *EstuaryClient) FetchArchive(ctx context.Context, cid, destPath string) error {
	ctx, span := tracer.Start(ctx, "estuary.fetch_archive",
		trace.WithAttributes(attribute.String("cid", cid)),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.gatewayURL+"/ipfs/"+cid, nil)
	if err != nil {
		return err
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to fetch archive %s: %w", cid, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch archive %s: status %d", cid, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", destPath, err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(destPath)
		return fmt.Errorf("failed to write archive: %w", err)
	}
	return out.Close()
}

func (e *EstuaryClient) uploadEndpoint(ctx context.Context) (string, error) {
	var parsed viewerResponse
	if err := e.getJSON(ctx, e.apiURL+"/viewer", &parsed); err != nil {
		return "", fmt.Errorf("failed to discover upload endpoint: %w", err)
	}
	if len(parsed.Settings.UploadEndpoints) == 0 {
		return "", fmt.Errorf("no upload endpoints advertised")
	}
	return parsed.Settings.UploadEndpoints[0], nil
}

func (e *EstuaryClient) uploadOnce(ctx context.Context, endpoint, archivePath string) (*UploadResult, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive: %w", err)
	}
	defer file.Close()

	pr, pw := io.Pipe()
	writer := multipart.NewWriter(pw)
	go func() {
		part, err := writer.CreateFormFile("data", filepath.Base(archivePath))
		if err != nil {
			pw.CloseWithError(err)
			return
		}
		if _, err := io.Copy(part, file); err != nil {
			pw.CloseWithError(err)
			return
		}
		pw.CloseWithError(writer.Close())
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("upload rejected with status %d: %s", resp.StatusCode, body)
	}

	var parsed addResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode upload response: %w", err)
	}
	if parsed.CID == "" {
		return nil, fmt.Errorf("upload response missing cid")
	}
	return &UploadResult{CID: parsed.CID, EstuaryID: parsed.EstuaryID}, nil
}

func (e *EstuaryClient) getJSON(ctx context.Context, url string, dest interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, url)
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}
