// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FlattenJSON renders a JSON document as indented, readable text.
//
// # Description
//
// Object members keep their document order. Scalars inside an object become
// "key: value"; nested containers become "key:" followed by their contents
// indented two spaces. Array scalars become "- value" and nested array
// containers become "Item N:" with N counting from 1.
//
// # Examples
//
//	FlattenJSON([]byte(`{"drug":"metformin","doses":["500mg","1g"]}`))
//	// drug: metformin
//	// doses:
//	//   - 500mg
//	//   - 1g
func FlattenJSON(data []byte) (string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var lines []string
	tok, err := dec.Token()
	if err != nil {
		return "", fmt.Errorf("invalid JSON: %w", err)
	}
	if delim, ok := tok.(json.Delim); ok {
		if err := flattenContainer(dec, delim, "", &lines); err != nil {
			return "", err
		}
	} else {
		lines = append(lines, scalarText(tok))
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return "", errors.New("invalid JSON: trailing data after document")
	}
	return strings.Join(lines, "\n"), nil
}

// flattenContainer consumes the body of an object or array whose opening
// delimiter has already been read, including the closing delimiter.
func flattenContainer(dec *json.Decoder, open json.Delim, prefix string, lines *[]string) error {
	for item := 1; dec.More(); item++ {
		var label string
		if open == '{' {
			keyTok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("invalid JSON: %w", err)
			}
			key, _ := keyTok.(string)
			label = prefix + key + ":"
		}

		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("invalid JSON: %w", err)
		}
		if delim, ok := tok.(json.Delim); ok {
			if open == '[' {
				label = prefix + "Item " + strconv.Itoa(item) + ":"
			}
			*lines = append(*lines, label)
			if err := flattenContainer(dec, delim, prefix+"  ", lines); err != nil {
				return err
			}
			continue
		}

		if open == '{' {
			*lines = append(*lines, label+" "+scalarText(tok))
		} else {
			*lines = append(*lines, prefix+"- "+scalarText(tok))
		}
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

func scalarText(tok json.Token) string {
	switch v := tok.(type) {
	case nil:
		return "null"
	case bool:
		return strconv.FormatBool(v)
	case json.Number:
		return v.String()
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
