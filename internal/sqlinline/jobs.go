package sqlinline

// jobColumns is the projection scanned by repo.scanJob.
const jobColumns = `id::text, owner_id, kind, state, params, provider_refs, requested_count,
  transient_urls, outputs, coalesce(error_reason, ''), credits_charged, idle_cycles,
  progress_at, coalesce(claimed_by, ''), claimed_at, settled_at, archived_at, created_at, updated_at`

const QInsertJob = `--sql 327741e3-8272-4feb-8845-a11f0aa14fdf
insert into generation_jobs(
  id, owner_id, kind, state, params, provider_refs, requested_count, credits_charged
)
values ($1::uuid, $2::text, $3::text, 'DRAFT', coalesce($4::jsonb, '{}'::jsonb), $5::text[], $6::int, $7::bigint)
returning created_at, progress_at;
`

const QSelectJob = `--sql 55f59004-47b8-4dc6-8ef6-26f4c71337ab
select ` + jobColumns + `
from generation_jobs
where id = $1::uuid;
`

const QSelectJobForOwner = `--sql 8f18ae79-fae4-479b-8f1b-e69f10a4f9e9
select ` + jobColumns + `
from generation_jobs
where id = $1::uuid and owner_id = $2::text;
`

const QDeleteUnqueuedJob = `--sql d3012a78-3cbb-4752-90c8-aa94c60dbf8c
delete from generation_jobs
where id = $1::uuid and state in ('DRAFT', 'PENDING');
`

const QListOpenJobs = `--sql 21e82233-9ffd-42a3-8c55-43f3382bd067
select ` + jobColumns + `
from generation_jobs
where state in ('PENDING', 'IN_QUEUE', 'IN_PROGRESS')
  and archived_at is null
order by updated_at asc
limit $1::int;
`

const QListStaleSettledJobs = `--sql 500aa75f-0006-4ae9-b6f8-b05df8c5bef0
select ` + jobColumns + `
from generation_jobs
where state = 'ARTIFACTS_READY'
  and settled_at < $1::timestamptz
order by settled_at asc
limit $2::int;
`

const QMarkJobPending = `--sql 26abb8f7-b07e-43dc-86ae-ef311ef9bde7
update generation_jobs
set state = 'PENDING', updated_at = now()
where id = $1::uuid and state = 'DRAFT';
`

const QEnqueueJob = `--sql 42d3093c-3fcb-4f5c-ba80-c7e02f0ca30e
update generation_jobs
set state = 'IN_QUEUE',
    provider_refs = $2::text[],
    error_reason = null,
    settled_at = null,
    transient_urls = '{}',
    outputs = '{}',
    idle_cycles = 0,
    progress_at = now(),
    updated_at = now()
where id = $1::uuid
  and state = any($3::text[])
  and archived_at is null;
`

const QAdvanceJob = `--sql de4d5488-f469-4449-9d75-7077f529a549
update generation_jobs
set state = $3::text, idle_cycles = 0, progress_at = now(), updated_at = now()
where id = $1::uuid
  and state = $2::text
  and settled_at is null;
`

const QTouchJobIdle = `--sql 183e467a-c775-4e8c-bf6d-0f278d9d33fe
update generation_jobs
set idle_cycles = idle_cycles + 1
where id = $1::uuid
  and state in ('PENDING', 'IN_QUEUE', 'IN_PROGRESS', 'ARTIFACTS_READY')
returning idle_cycles;
`

const QFailJob = `--sql 61f7798f-891b-4860-9bf6-103983862a9a
update generation_jobs
set state = 'FAILED',
    error_reason = $2::text,
    provider_refs = coalesce($3::text[], provider_refs),
    updated_at = now()
where id = $1::uuid
  and state in ('DRAFT', 'PENDING', 'IN_QUEUE', 'IN_PROGRESS', 'ARTIFACTS_READY');
`

const QSettleJobArtifacts = `--sql 42a1f29d-f125-40c0-b04c-d0cfe8e424f8
update generation_jobs
set state = 'ARTIFACTS_READY',
    settled_at = now(),
    transient_urls = $2::text[],
    idle_cycles = 0,
    progress_at = now(),
    updated_at = now()
where id = $1::uuid
  and settled_at is null
  and state in ('IN_QUEUE', 'IN_PROGRESS');
`

const QCompleteJob = `--sql bdfa1e4a-69a0-4401-8bf4-563a3a6e807c
update generation_jobs
set state = 'COMPLETED', outputs = $2::text[], updated_at = now()
where id = $1::uuid and state = 'ARTIFACTS_READY';
`

const QSetFailedJobRefs = `--sql e9ae5563-bc7a-4415-b518-6626cd9bbec8
update generation_jobs
set provider_refs = $2::text[], updated_at = now()
where id = $1::uuid and state = 'FAILED' and archived_at is null;
`

const QArchiveFailedJob = `--sql 17de816b-74ba-4bf4-8a1e-97f7c4ae9eb6
update generation_jobs
set archived_at = coalesce(archived_at, now()), updated_at = now()
where id = $1::uuid and state = 'FAILED'
returning ` + jobColumns + `;
`

const QAcquireJobLease = `--sql 3e744672-278c-4e4e-92b0-737cc49917e1
update generation_jobs
set claimed_by = $2::text, claimed_at = now()
where id = $1::uuid
  and (claimed_by is null or claimed_at < now() - make_interval(secs => $3::double precision));
`

const QReleaseJobLease = `--sql aece889a-c327-4536-8225-b4cf325b043a
update generation_jobs
set claimed_by = null, claimed_at = null
where id = $1::uuid and claimed_by = $2::text;
`
