package mcpserver

// DocumentFormatContract describes the canonical MKB document format that
// LLM consumers should follow when authoring documents.
const DocumentFormatContract = `# MKB Document Format Contract

Every markdown document stored in MKB MUST follow this structure.

## Structure

` + "```" + `markdown
---
id: proj-alpha-001                  # assigned on creation; stable across updates
type: project                       # REQUIRED - names the schema for the fields below
title: Alpha Project
observed_at: 2025-02-10T09:15:00Z   # REQUIRED - when the described fact was observed
valid_until: 2025-04-11T09:15:00Z   # computed from the decay profile when omitted
temporal_precision: exact           # exact|day|week|month|quarter|approximate|inferred
confidence: 0.95                    # base confidence in [0,1]; defaults to 1.0
status: active                      # schema-typed field (here: project.status)
tags:
  - infra
links:
  - rel: owner
    target: pers-jane-smith-001
    observed_at: 2025-02-10T09:15:00Z
---

Body text in standard markdown.
` + "```" + `

## Rules

1. **YAML frontmatter is mandatory.** The ` + "`---`" + ` fences must be the first
   thing in the file. The closing fence carries no trailing whitespace.
2. **The temporal gate rejects documents without a time anchor.** Provide
   ` + "`observed_at`" + ` explicitly; the gate never falls back to wall-clock time.
3. **` + "`type`" + ` selects the schema.** Unknown fields are preserved verbatim but
   a fatal schema violation rejects the document.
4. **Superseding, not editing.** A newer observation of the same logical
   entity gets a new file; the old file gains ` + "`superseded_by`" + `.
5. **Links carry their own ` + "`observed_at`" + `**, never later than the document's.
6. **Encoding** is UTF-8 with a trailing newline.
`
