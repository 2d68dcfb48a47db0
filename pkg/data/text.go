// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package data

import (
	"fmt"
	"math"
	"strconv"

	"github.com/absmach/lwm2m/pkg/errors"
)

// formatText renders a scalar in the plain text format.
func formatText(v Value) ([]byte, error) {
	switch p := v.payload.(type) {
	case stringPayload:
		return []byte(p), nil
	case integerPayload:
		return strconv.AppendInt(nil, int64(p), 10), nil
	case floatPayload:
		f := float64(p)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("float %v has no text form: %w", f, errors.ErrMalformed)
		}
		return strconv.AppendFloat(nil, f, 'f', -1, 64), nil
	case booleanPayload:
		if p {
			return []byte("1"), nil
		}
		return []byte("0"), nil
	case linkPayload:
		return []byte(fmt.Sprintf("%d:%d", p.objectID, p.instanceID)), nil
	}
	return nil, fmt.Errorf("cannot render %s as text: %w", v.Kind(), errors.ErrMalformed)
}
