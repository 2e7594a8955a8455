// Package mapper builds the external record payload from a submission,
// canonicalizing legacy option labels and resolving single-select values to
// catalog option ids.
package mapper

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/op/go-logging"

	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/bitable"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/config"
	"github.com/garyzheng0714-lang/web-fbif-form-sub000/internal/store"
)

var log = logging.MustGetLogger("mapper")

const syncedStatusLabel = "已同步"

// Canonical long-form labels the external schema uses for the business-type
// column. Legacy short labels from older form versions are rewritten;
// unmapped values pass through unchanged. The bare "其他" entry is pinned to one canonical string
// because the catalog contains several "其他…" options whose substrings
// collide, and the resolver refuses to guess on collision.
var businessTypeCanonical = map[string]string{
	"食品制造商": "食品品牌方/制造商",
	"饮料制造商": "饮料品牌方/制造商",
	"经销商":   "经销商/代理商",
	"零售商":   "零售商/电商渠道",
	"原料供应商": "原料及配料供应商",
	"包装供应商": "包装及设备供应商",
	"其他":    "其他（非食品饮料相关）",
}

var departmentCanonical = map[string]string{
	"市场": "市场部",
	"销售": "销售部",
	"研发": "研发部",
	"采购": "采购部",
	"生产": "生产部",
	"其他": "其他部门",
}

var identityRoleLabels = map[string]string{
	"consumer": "大众观众",
	"industry": "专业观众",
}

var idTypeLabels = map[string]string{
	"id_card":       "身份证",
	"passport":      "护照",
	"hk_macau_pass": "港澳居民来往内地通行证",
	"taiwan_pass":   "台湾居民来往大陆通行证",
}

// CanonicalBusinessType rewrites a legacy business-type label to the
// long-form label the external schema expects.
func CanonicalBusinessType(value string) string {
	value = strings.TrimSpace(value)
	if canonical, ok := businessTypeCanonical[value]; ok {
		return canonical
	}
	return value
}

// CanonicalDepartment rewrites a legacy department label.
func CanonicalDepartment(value string) string {
	value = strings.TrimSpace(value)
	if canonical, ok := departmentCanonical[value]; ok {
		return canonical
	}
	return value
}

// NamesFunc returns the current external field names; it exists so the
// override watcher can swap names at runtime.
type NamesFunc func() config.FieldNames

// MetadataSource is the field-metadata cache contract the mapper consumes.
type MetadataSource interface {
	FieldsByName(ctx context.Context) (map[string]bitable.FieldMeta, error)
}

type Mapper struct {
	meta  MetadataSource
	names NamesFunc
}

func New(meta MetadataSource, names NamesFunc) *Mapper {
	return &Mapper{meta: meta, names: names}
}

// MapSubmission builds the raw string-valued payload keyed by external field
// names. Attributes whose configured field name is empty are omitted, as are
// empty submission values for the conditional attributes.
func MapSubmission(sub *store.Submission, names config.FieldNames) map[string]string {
	fields := map[string]string{}
	put := func(fieldName, value string) {
		fieldName = strings.TrimSpace(fieldName)
		if fieldName == "" {
			return
		}
		fields[fieldName] = value
	}
	putIfPresent := func(fieldName, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		put(fieldName, value)
	}

	put(names.Name, sub.Name)
	put(names.Phone, sub.Phone)
	put(names.Title, sub.Title)
	put(names.Company, sub.Company)
	put(names.IDNumber, sub.IDNumber)

	putIfPresent(names.IdentityRole, identityRoleLabels[sub.Type])
	putIfPresent(names.IDType, idTypeLabels[sub.IDType])
	putIfPresent(names.BusinessType, CanonicalBusinessType(sub.BusinessType))
	putIfPresent(names.Department, CanonicalDepartment(sub.Department))
	putIfPresent(names.ProofURLs, strings.Join(sub.ProofURLs, ","))
	if !sub.CreatedAt.IsZero() {
		putIfPresent(names.SubmittedAt, sub.CreatedAt.UTC().Format(time.RFC3339))
	}
	putIfPresent(names.SyncStatus, syncedStatusLabel)

	return fields
}

// ApplySingleSelectMappings resolves every value whose field is single-select
// to its option id. Unresolvable values are dropped entirely rather than sent
// raw; the warning carries the trace id and a truncated identifier suffix for
// correlation, never the full value.
func ApplySingleSelectMappings(fields map[string]string, metaByName map[string]bitable.FieldMeta, traceID, idSuffix string) map[string]string {
	mapped := make(map[string]string, len(fields))
	dropped := []string(nil)
	for fieldName, value := range fields {
		meta, known := metaByName[fieldName]
		if !known || !meta.IsSingleSelect() {
			mapped[fieldName] = value
			continue
		}
		optionID := bitable.ResolveSelectOption(meta, value)
		if optionID == "" {
			dropped = append(dropped, fieldName)
			continue
		}
		mapped[fieldName] = optionID
	}
	if len(dropped) > 0 {
		sort.Strings(dropped)
		log.Warningf("dropped unresolvable single-select fields %v trace=%s id_suffix=%s", dropped, traceID, idSuffix)
	}
	return mapped
}

// BuildFields produces the final record payload: raw mapping, then schema
// fetch, then single-select resolution. May trigger a metadata refresh when
// the cache is cold or expired.
func (m *Mapper) BuildFields(ctx context.Context, sub *store.Submission) (map[string]any, error) {
	raw := MapSubmission(sub, m.names())
	metaByName, err := m.meta.FieldsByName(ctx)
	if err != nil {
		return nil, err
	}
	resolved := ApplySingleSelectMappings(raw, metaByName, sub.TraceID, IDNumberSuffix(sub.IDNumber))
	payload := make(map[string]any, len(resolved))
	for fieldName, value := range resolved {
		payload[fieldName] = value
	}
	return payload, nil
}

// IDNumberSuffix returns at most the last 4 characters of an identifier for
// log correlation.
func IDNumberSuffix(idNumber string) string {
	runes := []rune(strings.TrimSpace(idNumber))
	if len(runes) <= 4 {
		return string(runes)
	}
	return string(runes[len(runes)-4:])
}
