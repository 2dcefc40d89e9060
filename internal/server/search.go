package server

import (
	stderrors "errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"

	"fotopoisk/internal/errors"
	"fotopoisk/internal/pipeline"
)

type searchResult struct {
	ItemID     string  `json:"item_id"`
	Name       string  `json:"name"`
	Picture    string  `json:"picture,omitempty"`
	URL        string  `json:"url,omitempty"`
	Department string  `json:"department,omitempty"`
	Similarity float64 `json:"similarity"`
}

type searchResponse struct {
	ShortID      string         `json:"short_id"`
	ModelVersion string         `json:"model_version"`
	DurationMs   int64          `json:"duration_ms"`
	Results      []searchResult `json:"results"`
	// Message is set when nothing matched: an empty ranking is an answer,
	// not an error, and the hint tells the user what usually helps.
	Message string `json:"message,omitempty"`
}

// handleSearch accepts a photo as a multipart upload (field "photo") or as
// a JSON body naming a URL, and serves the ranked catalog matches.
func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	req, err := s.parseSearchRequest(w, r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	res, err := s.pipeline.Search(r.Context(), *req)
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	out := searchResponse{
		ShortID:      res.ShortID,
		ModelVersion: res.ModelVersion,
		DurationMs:   res.Duration.Milliseconds(),
		Results:      make([]searchResult, 0, len(res.Results)),
	}
	for _, item := range res.Results {
		out.Results = append(out.Results, searchResult{
			ItemID:     item.ItemID,
			Name:       item.Name,
			Picture:    item.Picture,
			URL:        item.URL,
			Department: item.Department,
			Similarity: item.Similarity,
		})
	}
	if len(out.Results) == 0 {
		out.Message = "no catalog items matched; retry with a closer, well-lit photo"
	}
	respondJSON(w, http.StatusOK, out)
}

func (s *Server) parseSearchRequest(w http.ResponseWriter, r *http.Request) (*pipeline.SearchRequest, error) {
	req := pipeline.SearchRequest{
		UserID:   principal(r),
		Username: principalName(r),
	}

	contentType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch contentType {
	case "multipart/form-data":
		// The transport cap only guards the connection; the byte-exact
		// image limit is the fetcher's, applied inside the pipeline.
		limit := s.cfg.Embedding.ImageMaxBytes + multipartOverhead
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		if err := r.ParseMultipartForm(limit); err != nil {
			var tooLarge *http.MaxBytesError
			if stderrors.As(err, &tooLarge) {
				return nil, errors.New(errors.ErrCodeImageTooLarge,
					fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit), err).
					WithSuggestion("Send a smaller photo")
			}
			return nil, errors.New(errors.ErrCodeInvalidArgument,
				"malformed multipart body", err)
		}
		file, _, err := r.FormFile("photo")
		if err != nil {
			return nil, errors.New(errors.ErrCodeInvalidArgument,
				`multipart search needs a "photo" file field`, err)
		}
		defer func() { _ = file.Close() }()
		data, err := io.ReadAll(file)
		if err != nil {
			return nil, errors.SourceError("cannot read uploaded photo", err)
		}
		req.ImageData = data
		req.Department = r.FormValue("department")
		if v := r.FormValue("top_k"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				return nil, errors.New(errors.ErrCodeInvalidArgument,
					"top_k must be a non-negative integer", err)
			}
			req.TopK = n
		}

	default:
		var body struct {
			ImageURL   string `json:"image_url"`
			Department string `json:"department"`
			TopK       int    `json:"top_k"`
		}
		if err := decodeJSON(r, &body); err != nil {
			return nil, err
		}
		req.ImageHandle = body.ImageURL
		req.Department = body.Department
		req.TopK = body.TopK
	}

	return &req, nil
}
