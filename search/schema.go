package search

import (
	"encoding/json"

	"github.com/invopop/jsonschema"
)

// Schema returns the JSON Schema of every protocol message keyed by its wire
// type discriminator.
func Schema() ([]byte, error) {
	r := &jsonschema.Reflector{
		ExpandedStruct: true,
		DoNotReference: true,
	}
	doc := map[string]*jsonschema.Schema{
		TypeCreateSubscription:      r.Reflect(&CreateSubscription{}),
		TypeRequestFromSubscription: r.Reflect(&RequestFromSubscription{}),
		TypeCancelSubscription:      r.Reflect(&CancelSubscription{}),
		TypeSubscriptionCreated:     r.Reflect(&SubscriptionCreated{}),
		TypeSubscriptionHasNextPage: r.Reflect(&SubscriptionHasNextPage{}),
		TypeSubscriptionComplete:    r.Reflect(&SubscriptionComplete{}),
		TypeSubscriptionFailed:      r.Reflect(&SubscriptionFailed{}),
	}
	return json.MarshalIndent(doc, "", "  ")
}
