package azure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/fgrzl/callstream/pkg/storage"
)

// Azure table names are 3 to 63 alphanumerics starting with a letter.
const (
	minTableNameLength = 3
	maxTableNameLength = 63
)

// AzureStoreOptions configures the property tables. Without a shared key the
// default Azure credential chain is used.
type AzureStoreOptions struct {
	Prefix              string
	Endpoint            string
	SharedKeyCredential *aztables.SharedKeyCredential
	AllowInsecureHTTP   bool // Azurite
}

// StoreFactory opens one property table per tenant.
type StoreFactory struct {
	options *AzureStoreOptions
	cred    azcore.TokenCredential
}

func NewStoreFactory(options *AzureStoreOptions) (*StoreFactory, error) {
	if options == nil || options.Endpoint == "" {
		return nil, errors.New("azure store factory: endpoint is required")
	}

	f := &StoreFactory{options: options}
	if options.SharedKeyCredential == nil {
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("azure store factory: %w", err)
		}
		f.cred = cred
	}
	return f, nil
}

func (f *StoreFactory) NewStore(ctx context.Context, tenant string) (storage.Store, error) {
	url := strings.TrimSuffix(f.options.Endpoint, "/") + "/" + tableName(f.options.Prefix, tenant)
	opts := &aztables.ClientOptions{}
	opts.InsecureAllowCredentialWithHTTP = f.options.AllowInsecureHTTP

	var (
		client *aztables.Client
		err    error
	)
	if f.options.SharedKeyCredential != nil {
		client, err = aztables.NewClientWithSharedKey(url, f.options.SharedKeyCredential, opts)
	} else {
		client, err = aztables.NewClient(url, f.cred, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure store factory: tenant %q: %w", tenant, err)
	}
	return NewAzureStore(ctx, client)
}

// tableName derives a valid table name for the tenant's properties.
func tableName(prefix, tenant string) string {
	name := strings.Map(func(r rune) rune {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			return r
		}
		return -1
	}, prefix+tenant)

	if name == "" || !unicode.IsLetter(rune(name[0])) {
		name = "P" + name
	}
	if len(name) < minTableNameLength {
		name += strings.Repeat("0", minTableNameLength-len(name))
	}
	if len(name) > maxTableNameLength {
		name = name[:maxTableNameLength]
	}
	return name
}
