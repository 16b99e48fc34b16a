package principal

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// SeedFile is the YAML document accepted by `principal seed`:
//
//	principals:
//	  - username: dr.house
//	    password: change-me-please
//	    role: recipient
//	    display_name: Dr. Gregory House
//	    specialty: Diagnostics
type SeedFile struct {
	Principals []NewPrincipal `yaml:"principals"`
}

// SeedResult counts what Seed did.
type SeedResult struct {
	Created int
	Skipped int
}

// Seed registers every principal in the YAML read from r. Usernames that
// already exist are skipped, so seeding is repeatable.
func (s *Service) Seed(ctx context.Context, r io.Reader) (SeedResult, error) {
	var file SeedFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&file); err != nil && !errors.Is(err, io.EOF) {
		return SeedResult{}, fmt.Errorf("parse seed file: %w", err)
	}

	var res SeedResult
	for i, np := range file.Principals {
		_, err := s.Register(ctx, np)
		switch {
		case err == nil:
			res.Created++
		case errors.Is(err, ErrDuplicateName):
			res.Skipped++
		default:
			return res, fmt.Errorf("principal %d (%s): %w", i+1, np.Username, err)
		}
	}
	return res, nil
}
