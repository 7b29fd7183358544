package ingest

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// minGeoJSONBytes is the plausibility floor for a reprojected council file.
// Even the smallest council produces far more than this; anything under it
// means ogr2ogr silently emitted a husk.
const minGeoJSONBytes = 1024

// Reprojector converts a downloaded council archive into an EPSG:4326 GeoJSON
// file by unzipping the GML and shelling out to ogr2ogr.
type Reprojector struct {
	ogr2ogr string
	logger  *logrus.Logger
}

// NewReprojector creates a reprojector. ogr2ogrPath may be a bare command
// name resolved via PATH.
func NewReprojector(ogr2ogrPath string, logger *logrus.Logger) *Reprojector {
	if ogr2ogrPath == "" {
		ogr2ogrPath = "ogr2ogr"
	}
	return &Reprojector{ogr2ogr: ogr2ogrPath, logger: logger}
}

// Run extracts the GML from archivePath and writes reprojected GeoJSON to
// geojsonPath. The GML inside the archive is in the British National Grid
// (EPSG:27700); the output is WGS84 lng/lat.
func (r *Reprojector) Run(ctx context.Context, archivePath, geojsonPath string) error {
	gmlPath, cleanup, err := extractGML(archivePath)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := os.MkdirAll(filepath.Dir(geojsonPath), 0o755); err != nil {
		return fmt.Errorf("create geojson dir: %w", err)
	}
	// ogr2ogr refuses to overwrite without -overwrite on some builds; a stale
	// partial file from a crashed run is removed up front instead.
	os.Remove(geojsonPath)

	cmd := exec.CommandContext(ctx, r.ogr2ogr,
		"-f", "GeoJSON",
		"-t_srs", "EPSG:4326",
		geojsonPath, gmlPath)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("ogr2ogr %s: %w: %s", filepath.Base(archivePath), err, strings.TrimSpace(string(out)))
	}

	info, err := os.Stat(geojsonPath)
	if err != nil {
		return fmt.Errorf("stat reprojected output: %w", err)
	}
	if info.Size() < minGeoJSONBytes {
		return fmt.Errorf("reprojected output %s is implausibly small (%d bytes)", filepath.Base(geojsonPath), info.Size())
	}

	r.logger.WithFields(logrus.Fields{
		"archive": filepath.Base(archivePath),
		"bytes":   info.Size(),
	}).Debug("Archive reprojected")
	return nil
}

// extractGML unpacks the first .gml member of the archive to a temp file and
// returns its path with a cleanup func.
func extractGML(archivePath string) (string, func(), error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", nil, fmt.Errorf("open archive %s: %w", filepath.Base(archivePath), err)
	}
	defer zr.Close()

	for _, member := range zr.File {
		if !strings.HasSuffix(strings.ToLower(member.Name), ".gml") {
			continue
		}
		src, err := member.Open()
		if err != nil {
			return "", nil, fmt.Errorf("open archive member %s: %w", member.Name, err)
		}
		tmp, err := os.CreateTemp("", "parcelmap-*.gml")
		if err != nil {
			src.Close()
			return "", nil, fmt.Errorf("create gml temp file: %w", err)
		}
		_, err = io.Copy(tmp, src)
		src.Close()
		if cerr := tmp.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			os.Remove(tmp.Name())
			return "", nil, fmt.Errorf("extract %s: %w", member.Name, err)
		}
		name := tmp.Name()
		return name, func() { os.Remove(name) }, nil
	}
	return "", nil, fmt.Errorf("archive %s contains no GML member", filepath.Base(archivePath))
}
