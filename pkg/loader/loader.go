// Package loader materializes Tenant and Client entities from external
// sources into the entity store (spec §4.B). Two variants are provided: a
// filesystem YAML loader and a Kubernetes custom-resource loader. Both
// share the SourceRef deduplication identity defined in pkg/entity.
package loader

import (
	"bytes"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/uitsmijter/core/pkg/entity"
)

// manifestKind distinguishes a Tenant manifest from a Client manifest in a
// single YAML document stream, mirroring a Kubernetes-style "kind" field.
type manifestKind struct {
	Kind string `yaml:"kind"`
}

// tenantManifest is the YAML shape of a Tenant resource.
type tenantManifest struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	Spec struct {
		Hosts       []string `yaml:"hosts"`
		Interceptor *struct {
			Enabled      bool   `yaml:"enabled"`
			LoginDomain  string `yaml:"loginDomain"`
			CookieDomain string `yaml:"cookieDomain"`
		} `yaml:"interceptor"`
		Providers   []string `yaml:"providers"`
		TemplateSrc string   `yaml:"templateSrc"`
		InfoURLs    []string `yaml:"infoUrls"`
		SilentLogin *bool    `yaml:"silentLogin"`
		Algorithm   string   `yaml:"algorithm"`
	} `yaml:"spec"`
}

// clientManifest is the YAML shape of a Client resource.
type clientManifest struct {
	Kind string `yaml:"kind"`
	Name string `yaml:"name"`
	Spec struct {
		Ident                 string   `yaml:"ident"`
		TenantName            string   `yaml:"tenantName"`
		RedirectURLs          []string `yaml:"redirectUrls"`
		GrantTypes            []string `yaml:"grantTypes"`
		Scopes                []string `yaml:"scopes"`
		AllowedProviderScopes []string `yaml:"allowedProviderScopes"`
		Referrers             []string `yaml:"referrers"`
		Secret                string   `yaml:"secret"`
	} `yaml:"spec"`
}

// decodeManifests splits a multi-document YAML source into Tenant and
// Client entities tagged with source, skipping unrecognized/empty
// documents rather than failing the whole source (spec §4.B: "a single bad
// YAML file produces an error event ... does not abort the loader").
func decodeManifests(raw []byte, source entity.SourceRef) ([]*entity.Tenant, []*entity.Client, []error) {
	var tenants []*entity.Tenant
	var clients []*entity.Client
	var errs []error

	dec := yaml.NewDecoder(bytes.NewReader(raw))
	for {
		var doc yaml.Node
		err := dec.Decode(&doc)
		if err != nil {
			if err == io.EOF {
				break
			}
			errs = append(errs, fmt.Errorf("%s: %w", source.Key, err))
			break
		}
		var probe manifestKind
		if err := doc.Decode(&probe); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", source.Key, err))
			continue
		}
		switch probe.Kind {
		case "Tenant":
			t, err := decodeTenant(&doc, source)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			tenants = append(tenants, t)
		case "Client":
			c, err := decodeClient(&doc, source)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			clients = append(clients, c)
		case "":
			// empty document, ignore
		default:
			errs = append(errs, fmt.Errorf("%s: unknown kind %q", source.Key, probe.Kind))
		}
	}
	return tenants, clients, errs
}

func decodeTenant(doc *yaml.Node, source entity.SourceRef) (*entity.Tenant, error) {
	var m tenantManifest
	if err := doc.Decode(&m); err != nil {
		return nil, fmt.Errorf("%s: %w", source.Key, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("%s: tenant missing name", source.Key)
	}
	if len(m.Spec.Hosts) == 0 {
		return nil, fmt.Errorf("%s: tenant %q has no host patterns", source.Key, m.Name)
	}
	silent := true
	if m.Spec.SilentLogin != nil {
		silent = *m.Spec.SilentLogin
	}
	var interceptor *entity.InterceptorSettings
	if m.Spec.Interceptor != nil {
		interceptor = &entity.InterceptorSettings{
			Enabled:      m.Spec.Interceptor.Enabled,
			LoginDomain:  m.Spec.Interceptor.LoginDomain,
			CookieDomain: m.Spec.Interceptor.CookieDomain,
		}
	}
	return &entity.Tenant{
		Name:        m.Name,
		Hosts:       m.Spec.Hosts,
		Interceptor: interceptor,
		Providers:   m.Spec.Providers,
		TemplateSrc: m.Spec.TemplateSrc,
		InfoURLs:    m.Spec.InfoURLs,
		SilentLogin: silent,
		Algorithm:   entity.Algorithm(m.Spec.Algorithm),
		Source:      source,
	}, nil
}

func decodeClient(doc *yaml.Node, source entity.SourceRef) (*entity.Client, error) {
	var m clientManifest
	if err := doc.Decode(&m); err != nil {
		return nil, fmt.Errorf("%s: %w", source.Key, err)
	}
	if m.Spec.Ident == "" {
		return nil, fmt.Errorf("%s: client missing ident", source.Key)
	}
	return &entity.Client{
		Ident:                 m.Spec.Ident,
		Name:                  m.Name,
		TenantName:            m.Spec.TenantName,
		RedirectURLs:          m.Spec.RedirectURLs,
		GrantTypes:            m.Spec.GrantTypes,
		Scopes:                m.Spec.Scopes,
		AllowedProviderScopes: m.Spec.AllowedProviderScopes,
		Referrers:             m.Spec.Referrers,
		Secret:                m.Spec.Secret,
		Source:                source,
	}, nil
}

// applyManifests upserts every decoded tenant/client from a single source
// into store. Called once per file/resource so a re-upsert under the same
// SourceRef replaces, never duplicates.
func applyManifests(store *entity.Store, tenants []*entity.Tenant, clients []*entity.Client) {
	for _, t := range tenants {
		store.UpsertTenant(t)
	}
	for _, c := range clients {
		store.UpsertClient(c)
	}
}
