package results

import (
	"fmt"
	"path"
	"regexp"
	"strconv"
	"strings"
)

// 出力ストア上のファイル名規約。ワーカーと API の間の契約なので変更しないこと。
const (
	ErrorMarkerName    = "ERROR"
	ConfigSnapshotName = "config.json"
	mergedBase         = "merged"
	workerInfoSuffix   = "_worker_info.json"
	artifactPattern    = "*-of-*.*"
)

var artifactRe = regexp.MustCompile(`^(\d{5})-of-(\d{5})(\.[A-Za-z0-9]+)$`)

// Artifact は出力ストア上のチャンク成果物です。
type Artifact struct {
	Key       string
	Index     int
	NumChunks int
	Ext       string // ".md" など、ドット付き
}

// ArtifactName はチャンク成果物のファイル名（"00003-of-00010.md"）を返します。
// ゼロ埋めにより辞書順とインデックス順が一致します。
func ArtifactName(index, numChunks int, ext string) string {
	return fmt.Sprintf("%05d-of-%05d%s", index, numChunks, normalizeExt(ext))
}

// ParseArtifactName はキーのベース名を成果物として解釈します。
func ParseArtifactName(key string) (Artifact, bool) {
	m := artifactRe.FindStringSubmatch(path.Base(key))
	if m == nil {
		return Artifact{}, false
	}
	idx, _ := strconv.Atoi(m[1])
	num, _ := strconv.Atoi(m[2])
	if num < 1 || idx >= num {
		return Artifact{}, false
	}
	return Artifact{Key: key, Index: idx, NumChunks: num, Ext: strings.ToLower(m[3])}, true
}

// WorkerInfoName はチャンクごとのワーカー計測ファイル名を返します。
func WorkerInfoName(index int) string {
	return strconv.Itoa(index) + workerInfoSuffix
}

func isWorkerInfoName(name string) bool {
	idx := strings.TrimSuffix(name, workerInfoSuffix)
	if idx == name || idx == "" {
		return false
	}
	_, err := strconv.Atoi(idx)
	return err == nil && !strings.HasPrefix(idx, "-") && !strings.HasPrefix(idx, "+")
}

// MergedName は結合済み結果のファイル名を返します。
func MergedName(ext string) string {
	return mergedBase + normalizeExt(ext)
}

// JobPrefix はジョブの出力が置かれるキー接頭辞です。
func JobPrefix(jobID string) string {
	return jobID + "/"
}

func jobKey(jobID, name string) string {
	return JobPrefix(jobID) + name
}

func normalizeExt(ext string) string {
	if ext == "" || strings.HasPrefix(ext, ".") {
		return ext
	}
	return "." + ext
}

var imageExts = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".gif": true}

func isImage(name string) bool {
	return imageExts[strings.ToLower(path.Ext(name))]
}
