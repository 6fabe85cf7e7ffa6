package api

import (
	"math"
	"net/http"

	"facemoji/internal/emoji"
	"facemoji/internal/gateway"
)

type bbox struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

type expressionFeatures struct {
	MouthOpenness float64 `json:"mouth_openness"`
	MouthWidth    float64 `json:"mouth_width"`
	EyeOpenness   float64 `json:"eye_openness"`
	EyebrowHeight float64 `json:"eyebrow_height"`
}

type expressionBody struct {
	Primary    string              `json:"primary"`
	Confidence float64             `json:"confidence"`
	Features   *expressionFeatures `json:"features,omitempty"`
}

type faceBody struct {
	BBox       bbox           `json:"bbox"`
	Landmarks  [][2]int       `json:"landmarks"`
	Expression expressionBody `json:"expression"`
}

type detectResponse struct {
	Status              string               `json:"status"`
	ProcessingTimeMS    float64              `json:"processing_time_ms"`
	FaceCount           int                  `json:"face_count"`
	PrimaryFace         faceBody             `json:"primary_face"`
	EmojiRecommendation emoji.Recommendation `json:"emoji_recommendation"`
}

// handleDetect analyses an upload inline without creating a job.
func (s *Server) handleDetect(w http.ResponseWriter, r *http.Request) {
	if !s.admit(w, r) {
		return
	}
	req, err := s.readUpload(w, r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	report, err := s.gw.DetectFaces(r.Context(), req.Image)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newDetectResponse(report))
}

func newDetectResponse(rep gateway.FaceReport) detectResponse {
	face := rep.Primary
	landmarks := make([][2]int, 0, len(face.Landmarks))
	for _, p := range face.Landmarks {
		landmarks = append(landmarks, [2]int{p.X, p.Y})
	}
	expr := expressionBody{Primary: rep.Expression.Name, Confidence: rep.Expression.Confidence}
	if len(face.Landmarks) > 0 {
		f := rep.Expression.Features
		expr.Features = &expressionFeatures{
			MouthOpenness: f.MouthOpenness,
			MouthWidth:    f.MouthWidth,
			EyeOpenness:   f.EyeOpenness,
			EyebrowHeight: f.EyebrowHeight,
		}
	}
	ms := float64(rep.Elapsed.Microseconds()) / 1000
	return detectResponse{
		Status:           "success",
		ProcessingTimeMS: math.Round(ms*100) / 100,
		FaceCount:        len(rep.Faces),
		PrimaryFace: faceBody{
			BBox: bbox{
				X:      face.Box.Min.X,
				Y:      face.Box.Min.Y,
				Width:  face.Box.Dx(),
				Height: face.Box.Dy(),
			},
			Landmarks:  landmarks,
			Expression: expr,
		},
		EmojiRecommendation: rep.Recommendation,
	}
}
