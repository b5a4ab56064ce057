// Package identity decides whether a captured sample belongs to the student
// claiming a roll number, by delegating to the face service.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"proxattend/internal/attendance"
	"proxattend/internal/cloudinary"
	"proxattend/internal/faceclient"
)

// Request is one verification attempt. Sample bytes are uploaded first when
// no ImageURL is given.
type Request struct {
	RollNo   string `json:"rollNo"`
	ImageURL string `json:"imageUrl,omitempty"`
	Sample   []byte `json:"sample,omitempty"`
}

// Decision is the verification outcome.
type Decision struct {
	Match      bool    `json:"match"`
	Reason     string  `json:"reason,omitempty"`
	Similarity float64 `json:"similarity"`
}

// FaceAPI is the subset of faceclient the verifier needs.
type FaceAPI interface {
	Verify(ctx context.Context, userID, imageURL string) (*faceclient.VerifyResult, error)
}

// Uploader hosts a sample so the face service can fetch it.
type Uploader interface {
	UploadBytes(ctx context.Context, data []byte, filename string) (*cloudinary.UploadResult, error)
}

// FaceVerifier implements verification against enrolled face templates.
type FaceVerifier struct {
	face     FaceAPI
	uploader Uploader
}

// NewFaceVerifier builds a verifier. uploader may be nil, in which case
// requests must carry an ImageURL.
func NewFaceVerifier(face FaceAPI, uploader Uploader) *FaceVerifier {
	return &FaceVerifier{face: face, uploader: uploader}
}

// Verify returns a non-matching decision, not an error, when the student has
// no enrollment, the sample shows no face or the face does not match.
func (v *FaceVerifier) Verify(ctx context.Context, req Request) (Decision, error) {
	roll := strings.TrimSpace(req.RollNo)
	if roll == "" {
		return Decision{}, fmt.Errorf("%w: rollNo is required", attendance.ErrValidation)
	}
	url := strings.TrimSpace(req.ImageURL)
	if url == "" {
		if len(req.Sample) == 0 {
			return Decision{}, fmt.Errorf("%w: imageUrl or sample is required", attendance.ErrValidation)
		}
		if v.uploader == nil {
			return Decision{}, fmt.Errorf("%w: sample upload is not configured", attendance.ErrValidation)
		}
		up, err := v.uploader.UploadBytes(ctx, req.Sample, roll+".jpg")
		if errors.Is(err, cloudinary.ErrRejected) {
			return Decision{}, fmt.Errorf("%w: %v", attendance.ErrValidation, err)
		}
		if err != nil {
			return Decision{}, fmt.Errorf("%w: %v", attendance.ErrTransient, err)
		}
		url = up.SecureURL
	}

	res, err := v.face.Verify(ctx, roll, url)
	if err != nil {
		if errors.Is(err, faceclient.ErrNotEnrolled) {
			return Decision{Reason: "no enrolled face for " + roll}, nil
		}
		if errors.Is(err, faceclient.ErrNoFace) {
			return Decision{Reason: err.Error()}, nil
		}
		return Decision{}, fmt.Errorf("%w: %v", attendance.ErrTransient, err)
	}
	d := Decision{Match: res.Verified, Similarity: res.Similarity}
	if !res.Verified {
		d.Reason = fmt.Sprintf("face did not match (similarity %.2f < %.2f)", res.Similarity, res.Threshold)
	}
	return d, nil
}
