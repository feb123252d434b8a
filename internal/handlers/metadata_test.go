package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/commons-share/commons-backend/internal/models"
	"github.com/commons-share/commons-backend/internal/workflows"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

func seededReader() (*fakeReader, models.Dataset, models.Chunk) {
	chunkID := primitive.NewObjectID()
	fileID := primitive.NewObjectID()
	authorID := primitive.NewObjectID()
	dataset := models.Dataset{
		ID:        primitive.NewObjectID(),
		Title:     "Resting state EEG",
		Uploader:  testAddress,
		Published: true,
		Size:      100,
		Authors:   []primitive.ObjectID{authorID},
		ChunkIDs:  []primitive.ObjectID{chunkID},
	}
	chunk := models.Chunk{
		ID:         chunkID,
		DatasetID:  dataset.ID,
		StorageIDs: models.StorageIDs{CID: "bafychunk", EstuaryID: 7001},
		FileIDs:    []primitive.ObjectID{fileID},
		Size:       100,
	}
	reader := &fakeReader{
		datasets: []models.Dataset{dataset},
		chunks:   []models.Chunk{chunk},
		files: []models.CommonsFile{{
			ID:      fileID,
			ChunkID: chunkID,
			Name:    "sub-01_T1w.nii",
			Path:    "ds/sub-01/anat/sub-01_T1w.nii",
			Size:    100,
		}},
		authors: []models.Author{{ID: authorID, Name: "Ada Lovelace"}},
	}
	return reader, dataset, chunk
}

func TestFilesAnnotatedWithEstuaryID(t *testing.T) {
	reader, _, chunk := seededReader()
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, &fakeDeleteRunner{})

	req := httptest.NewRequest(http.MethodGet, "/metadata/files?address="+testAddress, nil)
	rec := httptest.NewRecorder()
	handler.Files(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var files []models.CommonsFile
	if err := json.NewDecoder(rec.Body).Decode(&files); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files, want 1", len(files))
	}
	if files[0].EstuaryID != chunk.StorageIDs.EstuaryID {
		t.Fatalf("file estuaryId %d, want %d", files[0].EstuaryID, chunk.StorageIDs.EstuaryID)
	}
}

func TestFilesAcceptsMixedCaseAddress(t *testing.T) {
	reader, _, _ := seededReader()
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, &fakeDeleteRunner{})

	// Stored uploaders are lower-cased; wallets query with checksum casing.
	mixed := "0x" + strings.ToUpper(testAddress[2:])
	req := httptest.NewRequest(http.MethodGet, "/metadata/files?address="+mixed, nil)
	rec := httptest.NewRecorder()
	handler.Files(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	var files []models.CommonsFile
	if err := json.NewDecoder(rec.Body).Decode(&files); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("got %d files for mixed-case address, want 1", len(files))
	}
}

func TestFilesEmptyForUnknownAddress(t *testing.T) {
	handler := NewMetadataHandler(&fakeReader{}, &fakePublishRunner{}, &fakeDeleteRunner{})

	req := httptest.NewRequest(http.MethodGet, "/metadata/files?address="+testAddress, nil)
	rec := httptest.NewRecorder()
	handler.Files(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if body := strings.TrimSpace(rec.Body.String()); body != "[]" {
		t.Fatalf("body %q, want []", body)
	}
}

func TestDatasetsAcceptsMixedCaseAddress(t *testing.T) {
	reader, _, _ := seededReader()
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, &fakeDeleteRunner{})

	mixed := "0x" + strings.ToUpper(testAddress[2:])
	req := httptest.NewRequest(http.MethodGet, "/metadata/datasets?address="+mixed, nil)
	rec := httptest.NewRecorder()
	handler.Datasets(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var datasets []models.Dataset
	if err := json.NewDecoder(rec.Body).Decode(&datasets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(datasets) != 1 {
		t.Fatalf("got %d datasets for mixed-case address, want 1", len(datasets))
	}
}

func TestPublishedDatasetByID(t *testing.T) {
	reader, dataset, _ := seededReader()
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, &fakeDeleteRunner{})

	req := httptest.NewRequest(http.MethodGet, "/metadata/datasets/published?id="+dataset.ID.Hex(), nil)
	rec := httptest.NewRecorder()
	handler.PublishedDatasets(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metadata/datasets/published?id="+primitive.NewObjectID().Hex(), nil)
	rec = httptest.NewRecorder()
	handler.PublishedDatasets(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status %d, want 404", rec.Code)
	}
}

func TestSearchRequiresQuery(t *testing.T) {
	reader, _, _ := seededReader()
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, &fakeDeleteRunner{})

	req := httptest.NewRequest(http.MethodGet, "/metadata/datasets/published/search", nil)
	rec := httptest.NewRecorder()
	handler.Search(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/metadata/datasets/published/search?searchStr=EEG", nil)
	rec = httptest.NewRecorder()
	handler.Search(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var datasets []models.Dataset
	if err := json.NewDecoder(rec.Body).Decode(&datasets); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(datasets) != 1 {
		t.Fatalf("got %d results, want 1", len(datasets))
	}
}

func TestPublishParsesListFields(t *testing.T) {
	reader, dataset, _ := seededReader()
	publish := &fakePublishRunner{}
	handler := NewMetadataHandler(reader, publish, &fakeDeleteRunner{})

	body, _ := json.Marshal(map[string]string{
		"address":     testAddress,
		"signature":   "0xsig",
		"datasetId":   dataset.ID.Hex(),
		"title":       "T",
		"description": "D",
		"authors":     "Ada Lovelace, Grace Hopper",
		"keywords":    "eeg,rest",
	})
	req := httptest.NewRequest(http.MethodPost, "/metadata/datasets/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Publish(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if publish.req == nil {
		t.Fatal("publish workflow never ran")
	}
	if len(publish.req.Authors) != 2 || publish.req.Authors[1] != "Grace Hopper" {
		t.Fatalf("authors parsed as %v", publish.req.Authors)
	}
	if len(publish.req.Keywords) != 2 {
		t.Fatalf("keywords parsed as %v", publish.req.Keywords)
	}
}

func TestPublishErrorMapping(t *testing.T) {
	reader, dataset, _ := seededReader()
	publish := &fakePublishRunner{err: workflows.ErrAuth}
	handler := NewMetadataHandler(reader, publish, &fakeDeleteRunner{})

	body, _ := json.Marshal(map[string]string{
		"address":   testAddress,
		"signature": "0xsig",
		"datasetId": dataset.ID.Hex(),
	})
	req := httptest.NewRequest(http.MethodPost, "/metadata/datasets/publish", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.Publish(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestDeleteFilesForwardsRequest(t *testing.T) {
	reader, _, chunk := seededReader()
	deleter := &fakeDeleteRunner{}
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, deleter)

	url := "/metadata/files?address=" + testAddress + "&estuaryId=7001&signature=0xsig&path=ds/sub-01/anat/sub-01_T1w.nii"
	req := httptest.NewRequest(http.MethodDelete, url, nil)
	rec := httptest.NewRecorder()
	handler.DeleteFiles(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200: %s", rec.Code, rec.Body.String())
	}
	if deleter.req == nil {
		t.Fatal("delete workflow never ran")
	}
	if deleter.req.EstuaryID != chunk.StorageIDs.EstuaryID {
		t.Fatalf("estuaryId %d, want %d", deleter.req.EstuaryID, chunk.StorageIDs.EstuaryID)
	}
	if deleter.req.Path != "ds/sub-01/anat/sub-01_T1w.nii" {
		t.Fatalf("path %q", deleter.req.Path)
	}
}

func TestDeleteFilesMalformedEstuaryID(t *testing.T) {
	reader, _, _ := seededReader()
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, &fakeDeleteRunner{})

	req := httptest.NewRequest(http.MethodDelete, "/metadata/files?address="+testAddress+"&estuaryId=abc", nil)
	rec := httptest.NewRecorder()
	handler.DeleteFiles(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", rec.Code)
	}
}

func TestAuthorsOfPublishedDataset(t *testing.T) {
	reader, dataset, _ := seededReader()
	handler := NewMetadataHandler(reader, &fakePublishRunner{}, &fakeDeleteRunner{})

	req := httptest.NewRequest(http.MethodGet, "/metadata/authors?datasetId="+dataset.ID.Hex(), nil)
	rec := httptest.NewRecorder()
	handler.Authors(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	var authors []models.Author
	if err := json.NewDecoder(rec.Body).Decode(&authors); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(authors) != 1 || authors[0].Name != "Ada Lovelace" {
		t.Fatalf("authors: %+v", authors)
	}
}

func TestDescriptionHandler(t *testing.T) {
	handler := NewDescriptionHandler(&fakeDescriptionRunner{raw: json.RawMessage(`{"Name":"ds"}`)})

	req := httptest.NewRequest(http.MethodGet, "/getDatasetDescription?estuaryId=7001", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if got := decodeBody(t, rec)["Name"]; got != "ds" {
		t.Fatalf("Name %q, want ds", got)
	}

	missing := NewDescriptionHandler(&fakeDescriptionRunner{err: workflows.ErrNotFound})
	rec = httptest.NewRecorder()
	missing.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/getDatasetDescription?estuaryId=7001", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing manifest: status %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); len(body) != 0 {
		t.Fatalf("missing manifest body %v, want empty object", body)
	}
}

func TestUploadLimitHandler(t *testing.T) {
	accounts := &fakeAccounts{limits: map[string]int{testAddress: 5}}
	handler := NewUploadLimitHandler(accounts, "secret")

	// No token.
	req := httptest.NewRequest(http.MethodGet, "/userUploadLimit?address="+testAddress, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no token: status %d, want 401", rec.Code)
	}

	// Authorized read.
	req = httptest.NewRequest(http.MethodGet, "/userUploadLimit?address="+testAddress, nil)
	req.Header.Set("Authorization", "Basic secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if rec.Body.String() != "5" {
		t.Fatalf("body %q, want 5", rec.Body.String())
	}

	// Authorized write.
	body, _ := json.Marshal(map[string]interface{}{"address": testAddress, "limit": 10})
	req = httptest.NewRequest(http.MethodPost, "/userUploadLimit", bytes.NewReader(body))
	req.Header.Set("Authorization", "Basic secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d, want 200", rec.Code)
	}
	if accounts.limits[testAddress] != 10 {
		t.Fatalf("limit %d, want 10", accounts.limits[testAddress])
	}
}
